package config

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/models"
	"github.com/tg-selfbot-go/internal/services/storage"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// flakyStorage wraps a memory backend and fails the next failSaves saves
type flakyStorage struct {
	*storage.MemoryStorage
	mu        sync.Mutex
	failSaves int
	saves     int
	loadErr   error
}

func (f *flakyStorage) LoadRecord(ctx context.Context, key string) ([]byte, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemoryStorage.LoadRecord(ctx, key)
}

func (f *flakyStorage) SaveRecord(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	f.saves++
	if f.failSaves > 0 {
		f.failSaves--
		f.mu.Unlock()
		return storage.ErrUnavailable
	}
	f.mu.Unlock()
	return f.MemoryStorage.SaveRecord(ctx, key, data)
}

func newLoadedStore(t *testing.T, backend storage.Storage) *Store {
	t.Helper()
	s := NewStore(backend, "test", quietLogger(), WithRetry(2, time.Millisecond))
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_FirstRunPersistsDefaults(t *testing.T) {
	mem := storage.NewMemoryStorage()
	s := newLoadedStore(t, mem)

	rec := s.Read()
	if rec.Language != models.DefaultLanguage {
		t.Errorf("language = %q", rec.Language)
	}

	data, err := mem.LoadRecord(context.Background(), "test")
	if err != nil {
		t.Fatalf("defaults were not persisted: %v", err)
	}
	var stored models.ConfigurationRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Settings.AbuseLimit != models.DefaultAbuseLimit {
		t.Errorf("stored limit = %d", stored.Settings.AbuseLimit)
	}
}

func TestStore_CorruptRecordRepaired(t *testing.T) {
	mem := storage.NewMemoryStorage()
	ctx := context.Background()
	if err := mem.SaveRecord(ctx, "test", []byte(`{"language":"fa","settings":"broken"}`)); err != nil {
		t.Fatal(err)
	}

	s := newLoadedStore(t, mem)
	rec := s.Read()
	if rec.Language != "fa" {
		t.Errorf("valid field lost during repair: %q", rec.Language)
	}
	if rec.Settings.AbuseLimit != models.DefaultAbuseLimit {
		t.Errorf("corrupt settings not reset: %+v", rec.Settings)
	}

	data, _ := mem.LoadRecord(ctx, "test")
	if _, repairs := models.DecodeRecord(data); len(repairs) != 0 {
		t.Errorf("repaired record was not persisted: %v", repairs)
	}
}

func TestStore_LoadUnavailable(t *testing.T) {
	backend := &flakyStorage{MemoryStorage: storage.NewMemoryStorage(), loadErr: errors.New("connection refused")}
	s := NewStore(backend, "test", quietLogger())

	_, err := s.Load(context.Background())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if _, err := s.Mutate(context.Background(), func(*models.ConfigurationRecord) error { return nil }); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Mutate after failed load: %v", err)
	}
}

// Concurrent read-modify-write mutations must never lose an update.
func TestStore_ConcurrentMutationsSerialize(t *testing.T) {
	s := newLoadedStore(t, storage.NewMemoryStorage())
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, func(rec *models.ConfigurationRecord) error {
				rec.Counter(42).MessageCount++
				return nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if got := s.Read().AbuseCounters[42].MessageCount; got != n {
		t.Errorf("count = %d, want %d", got, n)
	}
}

func TestStore_MutateErrorDiscardsChanges(t *testing.T) {
	s := newLoadedStore(t, storage.NewMemoryStorage())
	before := s.Read()

	boom := errors.New("rejected")
	_, err := s.Mutate(context.Background(), func(rec *models.ConfigurationRecord) error {
		rec.Language = "fa"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if s.Read() != before || s.Read().Language != models.DefaultLanguage {
		t.Error("aborted mutation was published")
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := newLoadedStore(t, storage.NewMemoryStorage())
	snapshot := s.Read()

	if _, err := s.Mutate(context.Background(), func(rec *models.ConfigurationRecord) error {
		rec.ListSettings[models.ListFilterWords] = append(rec.ListSettings[models.ListFilterWords], "spam")
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(snapshot.List(models.ListFilterWords)) != 0 {
		t.Error("earlier snapshot observed a later mutation")
	}
	if got := s.Read().List(models.ListFilterWords); len(got) != 1 {
		t.Errorf("new snapshot list = %v", got)
	}
}

func TestStore_PersistRetries(t *testing.T) {
	backend := &flakyStorage{MemoryStorage: storage.NewMemoryStorage()}
	s := newLoadedStore(t, backend)

	backend.mu.Lock()
	backend.failSaves = 2
	backend.mu.Unlock()

	if _, err := s.Mutate(context.Background(), func(rec *models.ConfigurationRecord) error {
		rec.Settings.AbuseLimit = 9
		return nil
	}); err != nil {
		t.Fatalf("mutation should survive transient failures: %v", err)
	}
	if s.Read().Settings.AbuseLimit != 9 {
		t.Error("mutation not published")
	}
}

func TestStore_PersistFailureKeepsPreviousRecord(t *testing.T) {
	backend := &flakyStorage{MemoryStorage: storage.NewMemoryStorage()}
	s := newLoadedStore(t, backend)

	backend.mu.Lock()
	backend.failSaves = 10
	backend.mu.Unlock()

	_, err := s.Mutate(context.Background(), func(rec *models.ConfigurationRecord) error {
		rec.Settings.AbuseLimit = 9
		return nil
	})
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if s.Read().Settings.AbuseLimit != models.DefaultAbuseLimit {
		t.Error("unpersisted mutation was published")
	}
}

func TestStore_OnChangeAndClose(t *testing.T) {
	s := newLoadedStore(t, storage.NewMemoryStorage())

	changed := make(chan *models.ConfigurationRecord, 1)
	s.OnChange(func(rec *models.ConfigurationRecord) { changed <- rec })

	if err := s.MarkOwnerSeen(context.Background(), 5, time.Unix(1000, 0)); err != nil {
		t.Fatal(err)
	}
	select {
	case rec := <-changed:
		if !rec.OwnerLastSeen[5].Equal(time.Unix(1000, 0)) {
			t.Errorf("listener saw %v", rec.OwnerLastSeen)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	// An older timestamp never moves presence backwards
	if err := s.MarkOwnerSeen(context.Background(), 5, time.Unix(10, 0)); err != nil {
		t.Fatal(err)
	}
	if !s.Read().OwnerLastSeen[5].Equal(time.Unix(1000, 0)) {
		t.Error("presence moved backwards")
	}

	s.Close()
	if _, err := s.Mutate(context.Background(), func(*models.ConfigurationRecord) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Mutate after Close = %v", err)
	}
	if s.Read() == nil {
		t.Error("Read must keep working after Close")
	}
}
