package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bit2swaz/disasterconnect/internal/protocol"
	"github.com/bit2swaz/disasterconnect/internal/store"
)

func TestPrintHistory(t *testing.T) {
	db, err := store.Init(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}
	defer store.Close(db)
	archive := store.NewArchive(db)

	if err := archive.SaveSOS(protocol.NewSOS("peer-b", "Bob", "trapped on roof")); err != nil {
		t.Fatalf("SaveSOS failed: %v", err)
	}
	if err := archive.RecordPeer("peer-b", "10.0.0.2:9000", "relief"); err != nil {
		t.Fatalf("RecordPeer failed: %v", err)
	}

	var out bytes.Buffer
	if err := printHistory(&out, archive, 10); err != nil {
		t.Fatalf("printHistory failed: %v", err)
	}
	for _, want := range []string{"SOS ALERTS (1)", "trapped on roof", "Bob", "PEERS (1)", "10.0.0.2:9000", "relief"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %q in output:\n%s", want, out.String())
		}
	}
}
