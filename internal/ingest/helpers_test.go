package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eesocial/eesocial/internal/store"
)

type entry struct {
	name string
	body string
}

func eventID(n int) string {
	return fmt.Sprintf("ID1%033d", n)
}

func entryName(n int, code string) string {
	return eventID(n) + ".S-" + code + ".xml"
}

// eventXML renders a download document in the layout served by the eSocial
// download endpoint.
func eventXML(id, table, receipt, body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<eSocial xmlns="http://www.esocial.gov.br/schema/download/retornoProcessamento/v1_0_0">
  <retornoProcessamentoDownload>
    <evento>
      <eSocial xmlns="http://www.esocial.gov.br/schema/evt/` + table + `/v_S_01_02_00">
        <` + table + ` Id="` + id + `">` + body + `</` + table + `>
        <Signature xmlns="http://www.w3.org/2000/09/xmldsig#"><SignedInfo/></Signature>
      </eSocial>
    </evento>
    <recibo>
      <eSocial xmlns="http://www.esocial.gov.br/schema/evt/retornoEvento/v1_2_1">
        <retornoEvento Id="` + id + `">
          <recibo><nrRecibo>` + receipt + `</nrRecibo></recibo>
        </retornoEvento>
      </eSocial>
    </recibo>
  </retornoProcessamentoDownload>
</eSocial>`
}

// writeArchive writes an uncompressed zip so equal-length contents give
// equal archive sizes.
func writeArchive(t *testing.T, path string, entries ...entry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create archive dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Store,
			Modified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("failed to create entry %s: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("failed to write entry %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return st
}

func statArchive(t *testing.T, path string) Archive {
	t.Helper()
	a, err := Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return a
}
