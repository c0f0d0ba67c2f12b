package mysql

import (
	"context"
	"testing"
	"time"

	xerrors "OpenMCP-Fleet/internal/errors"
)

func TestParseDSNNormalisesSettings(t *testing.T) {
	cfg, err := parseDSN("fleet:secret@tcp(127.0.0.1:3306)/fleet?multiStatements=true")
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if cfg.Loc != time.UTC || cfg.MultiStatements {
		t.Fatalf("unexpected normalised config: loc=%v multi=%v", cfg.Loc, cfg.MultiStatements)
	}
	if cfg.Timeout != defaultDialTimeout || cfg.DBName != "fleet" || cfg.Addr != "127.0.0.1:3306" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	cfg, err = parseDSN("fleet@tcp(db:3306)/fleet?timeout=2s")
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("explicit timeout overridden: %v", cfg.Timeout)
	}
}

func TestOpenDatabaseRejectsBadDSN(t *testing.T) {
	for _, dsn := range []string{"", "   ", "fleet@tcp(db:3306)/fleet?timeout=soon"} {
		_, err := openDatabase(context.Background(), Config{DSN: dsn})
		if xerrors.CodeOf(err) != xerrors.CodeConfig {
			t.Fatalf("dsn %q: expected config error, got %v", dsn, err)
		}
	}
}
