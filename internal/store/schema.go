package store

// Schema contains the SQL schema of the SQLite document store. Documents are
// kept as JSON text in a doc column and queried through json_extract, so the
// expressions below must match the ones produced by sqlField exactly for the
// planner to use the indexes.

// CreateEventsTableSQL creates the events collection.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    doc TEXT NOT NULL
)`

// CreateEventsIndexesSQL creates the receipt uniqueness constraint and the
// lookup indexes used by the resolver passes. NULL receipts do not collide.
var CreateEventsIndexesSQL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_receipt
		ON events(json_extract(doc, '$.response.recibo.nrRecibo'))`,

	`CREATE INDEX IF NOT EXISTS idx_events_table
		ON events(json_extract(doc, '$.table'))`,

	`CREATE INDEX IF NOT EXISTS idx_events_resolved
		ON events(json_extract(doc, '$.resolved'))`,
}

// CreateArchivesTableSQL creates the archives collection.
const CreateArchivesTableSQL = `
CREATE TABLE IF NOT EXISTS archives (
    doc TEXT NOT NULL
)`

// CreateArchivesIndexSQL indexes the default (name, size) fingerprint.
const CreateArchivesIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_archives_fingerprint
	ON archives(json_extract(doc, '$.name'), json_extract(doc, '$.size'))`

// AllSchemaSQL returns all SQL statements needed to initialize the store.
func AllSchemaSQL() []string {
	statements := []string{
		CreateEventsTableSQL,
		CreateArchivesTableSQL,
		CreateArchivesIndexSQL,
	}
	return append(statements, CreateEventsIndexesSQL...)
}
