package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/olgkv/taskpoll/internal/domain"
)

func newRecord(id string, created time.Time) *domain.WatchRecord {
	return &domain.WatchRecord{
		ID:        id,
		Handle:    domain.TaskHandle{ResourceID: "cierre-1", TaskID: id},
		State:     domain.StatePolling,
		Snapshot:  domain.PendingSnapshot(),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watches.json")
	st := NewStore(NewJSONRepository(path))
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return st, path
}

func TestStoreCreateAndGet(t *testing.T) {
	st, _ := newTestStore(t)

	rec := newRecord("w1", time.Now())
	if err := st.Create(rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.Get("w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "w1" || got.Handle != rec.Handle {
		t.Fatalf("unexpected record: %#v", got)
	}

	if err := st.Create(rec); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
}

func TestStoreGetUnknown(t *testing.T) {
	st, _ := newTestStore(t)
	if _, err := st.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.Update(newRecord("missing", time.Now())); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestStorePersistsAcrossReload(t *testing.T) {
	st, path := newTestStore(t)
	base := time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC)

	if err := st.Create(newRecord("a", base)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Create(newRecord("b", base.Add(time.Minute))); err != nil {
		t.Fatalf("Create: %v", err)
	}

	done, _ := st.Get("a")
	done.State = domain.StateStopped
	done.Snapshot = domain.Snapshot{Status: domain.StatusSuccess, IsFinished: true, IsSuccessful: true, Progress: 100}
	done.Transitions = []domain.Transition{{From: domain.StatePolling, To: domain.StateSucceeded, At: base}}
	if err := st.Update(done); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded := NewStore(NewJSONRepository(path))
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	list := reloaded.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected records after reload: %#v", list)
	}
	if !list[0].Snapshot.IsSuccessful || len(list[0].Transitions) != 1 {
		t.Fatalf("update not persisted: %#v", list[0])
	}

	total, finished := reloaded.Stats()
	if total != 2 || finished != 1 {
		t.Fatalf("Stats = %d/%d, want 2/1", total, finished)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	st := NewStore(nil)
	rec := newRecord("c", time.Now())
	rec.Transitions = []domain.Transition{{To: domain.StatePolling}}
	if err := st.Create(rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := st.Get("c")
	got.Transitions[0].To = domain.StateFailed
	got.State = domain.StateFailed

	again, _ := st.Get("c")
	if again.State != domain.StatePolling || again.Transitions[0].To != domain.StatePolling {
		t.Fatalf("store leaked internal state: %#v", again)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	st := NewStore(NewJSONRepository(filepath.Join(t.TempDir(), "absent.json")))
	if err := st.Load(); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(st.List()) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestMemoryRepositoryCountsSaves(t *testing.T) {
	repo := NewMemoryRepository()
	st := NewStore(repo)
	_ = st.Create(newRecord("x", time.Now()))
	_ = st.Create(newRecord("y", time.Now()))
	if repo.Saves() != 2 {
		t.Fatalf("expected 2 saves, got %d", repo.Saves())
	}
	loaded, _ := repo.Load()
	if len(loaded) != 2 {
		t.Fatalf("expected 2 records in repository, got %d", len(loaded))
	}
}

func TestJournalAppendAndLoad(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "journal.ndjson"))

	entries, err := j.Load()
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty journal, got %v, %v", entries, err)
	}

	for _, to := range []domain.State{domain.StatePolling, domain.StateSucceeded, domain.StateStopped} {
		err := j.Append(&domain.JournalEntry{
			WatchID:    "w1",
			Handle:     domain.TaskHandle{ResourceID: "r", TaskID: "t"},
			Transition: domain.Transition{To: to},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err = j.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 3 || entries[2].Transition.To != domain.StateStopped {
		t.Fatalf("unexpected journal: %#v", entries)
	}
}
