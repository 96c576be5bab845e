package store

import (
	"context"
	"errors"
	"fmt"

	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on two MongoDB collections.
//
// Batches are ordered but not transactional: a duplicate key stops an
// InsertMany at the offending document, and earlier documents of the batch
// stay inserted. The per-event existence check makes the next run skip them.
type MongoStore struct {
	client   *mongo.Client
	events   *mongo.Collection
	archives *mongo.Collection
}

// NewMongoStore connects to uri and uses the given database.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: failed to ping mongodb: %w", err)
	}

	db := client.Database(database)
	return &MongoStore{
		client:   client,
		events:   db.Collection(eventsTable),
		archives: db.Collection(archivesTable),
	}, nil
}

// Init creates the unique indexes on event id and receipt number, and the
// archive fingerprint index. The receipt index is partial so events without
// a receipt do not collide on null.
func (m *MongoStore) Init(ctx context.Context) error {
	_, err := m.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: types.FieldID, Value: 1}},
			Options: options.Index().SetName("uniq_id").SetUnique(true),
		},
		{
			Keys: bson.D{{Key: types.FieldReceipt, Value: 1}},
			Options: options.Index().
				SetName("uniq_receipt").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: types.FieldReceipt, Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
		{
			Keys:    bson.D{{Key: types.FieldTable, Value: 1}},
			Options: options.Index().SetName("table"),
		},
	})
	if err != nil {
		return apperr.NewStoreError(apperr.CodeWriteFailed, "failed to create event indexes", err)
	}

	_, err = m.archives.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}, {Key: "size", Value: 1}},
		Options: options.Index().SetName("fingerprint"),
	})
	if err != nil {
		return apperr.NewStoreError(apperr.CodeWriteFailed, "failed to create archive index", err)
	}
	return nil
}

// InsertEvents inserts the batch with an ordered InsertMany.
func (m *MongoStore) InsertEvents(ctx context.Context, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]interface{}, len(events))
	for i, evt := range events {
		docs[i] = evt
	}

	_, err := m.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		return classifyMongoWrite(err, "failed to insert event batch")
	}
	return nil
}

// FindEvent returns the first event (in insertion order) matching filter.
func (m *MongoStore) FindEvent(ctx context.Context, filter Filter) (*types.Event, error) {
	q, err := toBSON(filter)
	if err != nil {
		return nil, err
	}

	var evt types.Event
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	if err := m.events.FindOne(ctx, q, opts).Decode(&evt); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NewStoreError(apperr.CodeNotFound, "event not found", nil)
		}
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to query event", err)
	}
	normalizeEvent(&evt)
	return &evt, nil
}

// FindEvents returns every event matching filter in insertion order.
func (m *MongoStore) FindEvents(ctx context.Context, filter Filter) ([]*types.Event, error) {
	q, err := toBSON(filter)
	if err != nil {
		return nil, err
	}

	cursor, err := m.events.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to query events", err)
	}

	var events []*types.Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to decode events", err)
	}
	for _, evt := range events {
		normalizeEvent(evt)
	}
	return events, nil
}

// CountEvents returns the number of events matching filter.
func (m *MongoStore) CountEvents(ctx context.Context, filter Filter) (int64, error) {
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}

	n, err := m.events.CountDocuments(ctx, q)
	if err != nil {
		return 0, apperr.NewStoreError(apperr.CodeReadFailed, "failed to count events", err)
	}
	return n, nil
}

// UpdateEvents sends all updates as one ordered BulkWrite of UpdateOne models.
func (m *MongoStore) UpdateEvents(ctx context.Context, updates []Update) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		if err := u.Validate(); err != nil {
			return 0, err
		}
		q, err := toBSON(u.Filter)
		if err != nil {
			return 0, err
		}
		set := bson.D{}
		for _, k := range u.SetKeys() {
			set = append(set, bson.E{Key: k, Value: u.Set[k]})
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(q).
			SetUpdate(bson.D{{Key: "$set", Value: set}}))
	}

	res, err := m.events.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return 0, classifyMongoWrite(err, "failed to apply update batch")
	}
	return res.ModifiedCount, nil
}

// EventIDs calls fn for every event id in insertion order.
func (m *MongoStore) EventIDs(ctx context.Context, fn func(id string) error) error {
	opts := options.Find().
		SetProjection(bson.D{{Key: types.FieldID, Value: 1}, {Key: "_id", Value: 0}}).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := m.events.Find(ctx, bson.D{}, opts)
	if err != nil {
		return apperr.NewStoreError(apperr.CodeReadFailed, "failed to query event ids", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return apperr.NewStoreError(apperr.CodeReadFailed, "failed to decode event id", err)
		}
		if err := fn(row.ID); err != nil {
			return err
		}
	}
	if err := cursor.Err(); err != nil {
		return apperr.NewStoreError(apperr.CodeReadFailed, "error iterating event ids", err)
	}
	return nil
}

// FindArchive returns the first archive record matching filter.
func (m *MongoStore) FindArchive(ctx context.Context, filter Filter) (*types.ArchiveRecord, error) {
	q, err := toBSON(filter)
	if err != nil {
		return nil, err
	}

	var rec types.ArchiveRecord
	if err := m.archives.FindOne(ctx, q).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NewStoreError(apperr.CodeNotFound, "archive not found", nil)
		}
		return nil, apperr.NewStoreError(apperr.CodeReadFailed, "failed to query archive", err)
	}
	return &rec, nil
}

// InsertArchive records a fully ingested archive.
func (m *MongoStore) InsertArchive(ctx context.Context, rec *types.ArchiveRecord) error {
	if _, err := m.archives.InsertOne(ctx, rec); err != nil {
		return classifyMongoWrite(err, "failed to insert archive record "+rec.Name)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	return m.client.Disconnect(context.Background())
}

// Drop removes both collections. Used by tests.
func (m *MongoStore) Drop(ctx context.Context) error {
	if err := m.events.Drop(ctx); err != nil {
		return err
	}
	return m.archives.Drop(ctx)
}

func toBSON(filter Filter) (bson.D, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	q := bson.D{}
	for _, c := range filter {
		switch c.Op {
		case OpEq:
			q = append(q, bson.E{Key: c.Field, Value: c.Value})
		case OpExists:
			q = append(q, bson.E{Key: c.Field, Value: bson.D{{Key: "$exists", Value: true}}})
		case OpAbsent:
			q = append(q, bson.E{Key: c.Field, Value: bson.D{{Key: "$exists", Value: false}}})
		default:
			return nil, apperr.NewStoreError(apperr.CodeInvalidField, "unsupported operator "+c.Op.String(), nil)
		}
	}
	return q, nil
}

func classifyMongoWrite(err error, message string) error {
	if mongo.IsDuplicateKeyError(err) {
		return apperr.NewStoreError(apperr.CodeDuplicateKey, message, err)
	}
	return apperr.NewStoreError(apperr.CodeWriteFailed, message, err)
}

// normalizeEvent converts driver map types in the nested payloads to plain
// map[string]any so Document lookups behave the same for every backend.
func normalizeEvent(evt *types.Event) {
	evt.Envelope = normalizeDocument(evt.Envelope)
	evt.Response = normalizeDocument(evt.Response)
}

func normalizeDocument(doc types.Document) types.Document {
	if doc == nil {
		return nil
	}
	out := make(types.Document, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case primitive.M:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = normalizeValue(vv)
		}
		return m
	case primitive.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = normalizeValue(vv)
		}
		return m
	case types.Document:
		return map[string]any(normalizeDocument(x))
	case primitive.A:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalizeValue(vv)
		}
		return out
	default:
		return v
	}
}
