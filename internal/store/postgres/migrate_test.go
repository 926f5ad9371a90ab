package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":    {Data: []byte("SELECT 10;")},
		"002_second.sql":   {Data: []byte("SELECT 2;")},
		"001_first.sql":    {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("docs")},
		"abc_bad.sql":      {Data: []byte("SELECT 0;")},
		"nounderscore.sql": {Data: []byte("SELECT 0;")},
	}

	migs, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migs) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migs))
	}
	want := []int{1, 2, 10}
	for i, m := range migs {
		if m.Version != want[i] {
			t.Errorf("migration %d: expected version %d, got %d", i, want[i], m.Version)
		}
	}
}

func TestEmbeddedMigrations_CreateCoreTables(t *testing.T) {
	m := NewMigrator(nil)
	migs, err := LoadMigrations(m.fsys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migs) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	sql := migs[0].SQL
	for _, table := range []string{"provider_templates", "appointments", "clinical_records", "audit_log", "calendar_tokens"} {
		if !strings.Contains(sql, table) {
			t.Errorf("initial migration does not create %s", table)
		}
	}
}

func TestLockKeys_SpanMidnight(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	keys := lockKeys("prov-1", day, time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC))
	if len(keys) != 1 || keys[0] != "prov-1|2026-03-02" {
		t.Fatalf("unexpected keys for same-day appointment: %v", keys)
	}

	keys = lockKeys("prov-1", day, time.Date(2026, 3, 3, 0, 30, 0, 0, time.UTC))
	if len(keys) != 2 || keys[1] != "prov-1|2026-03-03" {
		t.Fatalf("expected two ordered keys across midnight, got %v", keys)
	}
}
