package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestJournalLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	if v, err := store.SchemaVersion(ctx); err != nil || v != "1" {
		t.Fatalf("schema version = %q, %v", v, err)
	}

	first, err := store.RecordRequest(ctx, 42, "item/commandExecution/requestApproval", json.RawMessage(`{"command":["ls"]}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.RecordRequest(ctx, 43, "item/fileChange/requestApproval", nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[0].RequestID != 42 {
		t.Fatalf("unexpected pending %+v", pending)
	}
	if string(pending[0].Params) != `{"command":["ls"]}` || pending[1].Params != nil {
		t.Fatalf("params not preserved: %+v", pending)
	}

	if err := store.MarkAnswered(ctx, 42, json.RawMessage(`{"decision":"accept"}`)); err != nil {
		t.Fatalf("mark answered: %v", err)
	}
	if err := store.MarkAnswered(ctx, 42, json.RawMessage(`{"decision":"accept"}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second answer: expected ErrNotFound, got %v", err)
	}
	if err := store.MarkAnswered(ctx, 99, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: expected ErrNotFound, got %v", err)
	}

	pending, _ = store.ListPending(ctx)
	if len(pending) != 1 || pending[0].RequestID != 43 {
		t.Fatalf("pending after answer %+v", pending)
	}

	n, err := store.ExpirePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire = %d, %v", n, err)
	}
	pending, _ = store.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending after expire %+v", pending)
	}

	recent, err := store.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Status != StatusExpired || recent[1].Status != StatusAnswered {
		t.Fatalf("unexpected recent %+v", recent)
	}
	if recent[1].AnsweredAt == nil || string(recent[1].Outcome) != `{"decision":"accept"}` {
		t.Fatalf("answer not recorded %+v", recent[1])
	}
}

func TestReusedRequestIDAfterExpire(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	if _, err := store.RecordRequest(ctx, 1, "a", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := store.ExpirePending(ctx); err != nil {
		t.Fatalf("expire: %v", err)
	}
	second, err := store.RecordRequest(ctx, 1, "b", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.MarkAnswered(ctx, 1, json.RawMessage(`"ok"`)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	recent, _ := store.ListRecent(ctx, 0)
	if recent[0].ID != second.ID || recent[0].Status != StatusAnswered || recent[1].Status != StatusExpired {
		t.Fatalf("wrong entry answered %+v", recent)
	}
}

func TestPragmaValueStripsPunctuation(t *testing.T) {
	if got := pragmaValue("WAL; DROP TABLE meta"); got != "WALDROPTABLEmeta" {
		t.Fatalf("pragmaValue = %q", got)
	}
}
