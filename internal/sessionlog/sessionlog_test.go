package sessionlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewCreatesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.csv")

	if _, err := New(path); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one header row after two New() calls, got %d rows", len(rows))
	}
}

func TestAppendWritesRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.csv")

	l, err := New(path)
	if err != nil {
		t.Fatal(err)
	}

	rec := Record{
		Timestamp:        time.Unix(0, 0),
		Mode:             "covert",
		CovertLen:        3,
		CarrierLen:       200,
		Capacity:         1.0,
		Transmitted:      8,
		Elapsed:          500 * time.Millisecond,
		Window:           5,
		Timeout:          500 * time.Millisecond,
		MaxTransmissions: 3,
		Mitigation:       false,
	}
	if err := l.Append(rec); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	if rows[1][1] != "covert" {
		t.Fatalf("mode column = %q, want covert", rows[1][1])
	}
}

func TestCloseWithoutRedisConfiguredIsNoOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.csv")
	l, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if l.redis != nil {
		t.Fatal("expected no redis client without WithRedis")
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}
