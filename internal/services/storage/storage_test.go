package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.LoadRecord(ctx, "session-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty storage, got %v", err)
	}

	if err := s.SaveRecord(ctx, "session-a", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveRecord(ctx, "session-a", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := s.SaveRecord(ctx, "session-b", []byte(`{"v":3}`)); err != nil {
		t.Fatalf("save other key: %v", err)
	}

	data, err := s.LoadRecord(ctx, "session-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Errorf("expected last write to win, got %s", data)
	}

	data, err = s.LoadRecord(ctx, "session-b")
	if err != nil {
		t.Fatalf("load other key: %v", err)
	}
	if string(data) != `{"v":3}` {
		t.Errorf("keys must be independent, got %s", data)
	}
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	exerciseStorage(t, s)
}

func TestMemoryStorage_CopiesBuffers(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	buf := []byte(`abc`)
	if err := s.SaveRecord(ctx, "k", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'x'

	data, _ := s.LoadRecord(ctx, "k")
	if string(data) != "abc" {
		t.Errorf("stored record aliased caller buffer: %s", data)
	}
}

func TestSQLiteStorage(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "agent.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	exerciseStorage(t, s)
}

func TestSQLiteStorage_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	s, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRecord(ctx, "k", []byte(`{"language":"fa"}`)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	data, err := s.LoadRecord(ctx, "k")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if string(data) != `{"language":"fa"}` {
		t.Errorf("unexpected document %s", data)
	}
}
