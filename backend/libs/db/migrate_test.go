package db

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestMigrateNeedsAPoolOnlyForNonEmptyScripts(t *testing.T) {
	fsys := fstest.MapFS{
		"002_blank.sql": {Data: []byte("  \n")},
		"notes.txt":     {Data: []byte("ignored")},
	}
	applied, err := Migrate(context.Background(), nil, fsys)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), Options{DSN: " "}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{MaxOpenConns: 6, MaxIdleConns: 10}.withDefaults()
	if o.MaxIdleConns != 3 {
		t.Fatalf("idle conns should be clamped to half the pool, got %d", o.MaxIdleConns)
	}
	if o.ConnMaxLifetime == 0 || o.PingTimeout == 0 {
		t.Fatalf("expected timeouts to be filled in: %+v", o)
	}
}
