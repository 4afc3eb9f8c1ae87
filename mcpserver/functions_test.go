package mcpserver_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/matthewjhunter/chatmem"
	"github.com/matthewjhunter/chatmem/mcpserver"
	_ "modernc.org/sqlite"
)

func openStore(t *testing.T) *chatmem.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := chatmem.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newFunctions(t *testing.T) (*mcpserver.MemoryFunctions, *chatmem.SQLiteStore) {
	t.Helper()
	store := openStore(t)
	return mcpserver.NewMemoryFunctions(store), store
}

func TestRemember(t *testing.T) {
	fn, store := newFunctions(t)
	ctx := context.Background()

	out := fn.Remember(ctx, "favorite_color", "blue", "preference", "color, ui", false)
	if !strings.Contains(out, "favorite_color") || !strings.Contains(out, "blue") {
		t.Errorf("unexpected message: %s", out)
	}
	if mcpserver.IsError(out) {
		t.Errorf("unexpected error: %s", out)
	}

	m, _ := store.GetByKey(ctx, "favorite_color")
	if m == nil || m.Value != "blue" || m.Tags != "color,ui" {
		t.Errorf("stored = %+v", m)
	}

	// Remembering the same key overwrites.
	fn.Remember(ctx, "favorite_color", "green", "", "", true)
	if n, _ := store.CountMemories(ctx); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
	m, _ = store.GetByKey(ctx, "favorite_color")
	if m.Value != "green" || !m.IsImportant {
		t.Errorf("after overwrite = %+v", m)
	}
}

func TestRemember_Validation(t *testing.T) {
	fn, store := newFunctions(t)
	ctx := context.Background()

	for _, tc := range []struct{ key, value, want string }{
		{"", "v", "key is required"},
		{"  ", "v", "key is required"},
		{"k", "", "value is required"},
	} {
		out := fn.Remember(ctx, tc.key, tc.value, "", "", false)
		if !mcpserver.IsError(out) || !strings.Contains(out, tc.want) {
			t.Errorf("Remember(%q, %q) = %q", tc.key, tc.value, out)
		}
	}
	if n, _ := store.CountMemories(ctx); n != 0 {
		t.Errorf("invalid input stored %d records", n)
	}
}

func TestRecall_ExactKeyWins(t *testing.T) {
	fn, _ := newFunctions(t)
	ctx := context.Background()

	fn.Remember(ctx, "pet", "cat named Miso", "personal", "", false)
	fn.Remember(ctx, "pet_food", "salmon", "personal", "", false)
	fn.Remember(ctx, "vet", "Dr. pet-friendly", "health", "", false)

	out := fn.Recall(ctx, "pet")
	if !strings.HasPrefix(out, "Found 1 memory:") {
		t.Errorf("exact match header: %s", out)
	}
	if !strings.Contains(out, "cat named Miso") || strings.Contains(out, "salmon") {
		t.Errorf("exact match should return only the keyed record: %s", out)
	}
}

func TestRecall_SearchFallback(t *testing.T) {
	fn, _ := newFunctions(t)
	ctx := context.Background()

	fn.Remember(ctx, "fruit1", "apple", "food", "red", false)
	fn.Remember(ctx, "fruit2", "banana", "food", "yellow", false)
	fn.Remember(ctx, "vehicle1", "car", "transport", "fast", false)

	out := fn.Recall(ctx, "FOOD")
	if !strings.Contains(out, "Found 2 memories") {
		t.Errorf("header should carry the count: %s", out)
	}
	if !strings.Contains(out, "fruit1: apple") || !strings.Contains(out, "fruit2: banana") {
		t.Errorf("missing matches: %s", out)
	}
	if strings.Contains(out, "vehicle1") {
		t.Errorf("unexpected match: %s", out)
	}
}

func TestRecall_NoTrailingNewline(t *testing.T) {
	fn, _ := newFunctions(t)
	ctx := context.Background()

	fn.Remember(ctx, "pet", "cat named Miso", "personal", "", false)
	fn.Remember(ctx, "drink", "tea", "food", "", false)
	fn.Remember(ctx, "snack", "rice crackers", "food", "", false)

	for _, query := range []string{"pet", "Miso", "food"} {
		out := fn.Recall(ctx, query)
		if strings.HasSuffix(out, "\n") {
			t.Errorf("Recall(%q) ends with a newline: %q", query, out)
		}
	}
}

func TestRecall_NotFoundAndEmpty(t *testing.T) {
	fn, _ := newFunctions(t)
	ctx := context.Background()

	out := fn.Recall(ctx, "nothing")
	if out != `No memories found matching "nothing".` {
		t.Errorf("not found = %q", out)
	}
	if mcpserver.IsError(out) {
		t.Error("not found is not an error")
	}

	if out := fn.Recall(ctx, " "); !mcpserver.IsError(out) {
		t.Errorf("empty query = %q", out)
	}
}

func TestUpdate(t *testing.T) {
	fn, store := newFunctions(t)
	ctx := context.Background()

	fn.Remember(ctx, "city", "Porto", "personal", "home", false)
	out := fn.Update(ctx, "city", "Lisbon", "", "", true)
	if !strings.Contains(out, "Updated") || !strings.Contains(out, "Lisbon") {
		t.Errorf("update = %s", out)
	}

	m, _ := store.GetByKey(ctx, "city")
	if m.Value != "Lisbon" || m.Category != "personal" || m.Tags != "home" || !m.IsImportant {
		t.Errorf("after update = %+v", m)
	}
}

func TestUpdate_NeverCreates(t *testing.T) {
	fn, store := newFunctions(t)
	ctx := context.Background()

	out := fn.Update(ctx, "ghost", "boo", "", "", false)
	if out != `No memory found with key "ghost".` {
		t.Errorf("update missing = %q", out)
	}
	if n, _ := store.CountMemories(ctx); n != 0 {
		t.Errorf("Update created %d records", n)
	}

	// Keys are case-sensitive.
	fn.Remember(ctx, "Ghost", "boo", "", "", false)
	if out := fn.Update(ctx, "ghost", "boo!", "", "", false); !strings.HasPrefix(out, "No memory found") {
		t.Errorf("case-different key updated: %q", out)
	}
}

func TestForget(t *testing.T) {
	fn, store := newFunctions(t)
	ctx := context.Background()

	fn.Remember(ctx, "temp", "x", "", "", false)
	if out := fn.Forget(ctx, "temp"); out != `Forgot "temp".` {
		t.Errorf("forget = %q", out)
	}
	if m, _ := store.GetByKey(ctx, "temp"); m != nil {
		t.Error("memory still present")
	}

	// Already gone and never existed read the same.
	if out := fn.Forget(ctx, "temp"); out != `No memory found with key "temp".` {
		t.Errorf("second forget = %q", out)
	}
	if out := fn.Forget(ctx, ""); !mcpserver.IsError(out) {
		t.Errorf("empty key = %q", out)
	}
}

func TestListCategoriesAndMemories(t *testing.T) {
	fn, _ := newFunctions(t)
	ctx := context.Background()

	if out := fn.ListCategories(ctx); out != "No categories yet." {
		t.Errorf("empty categories = %q", out)
	}
	if out := fn.ListMemories(ctx, ""); out != "No memories stored." {
		t.Errorf("empty list = %q", out)
	}

	fn.Remember(ctx, "fruit1", "apple", "food", "", true)
	fn.Remember(ctx, "vehicle1", "car", "transport", "", false)

	out := fn.ListCategories(ctx)
	if !strings.HasPrefix(out, "2 categories:") || !strings.Contains(out, "- food") || !strings.Contains(out, "- transport") {
		t.Errorf("categories = %q", out)
	}

	out = fn.ListMemories(ctx, "")
	if !strings.HasPrefix(out, "2 memories:") {
		t.Errorf("list header = %q", out)
	}
	// Most recently updated first.
	if strings.Index(out, "vehicle1") > strings.Index(out, "fruit1") {
		t.Errorf("order: %s", out)
	}
	if !strings.Contains(out, "fruit1: apple [food] (important)") {
		t.Errorf("formatting: %s", out)
	}

	out = fn.ListMemories(ctx, "food")
	if !strings.HasPrefix(out, `1 memory in category "food":`) || strings.Contains(out, "vehicle1") {
		t.Errorf("category list = %q", out)
	}
	if out := fn.ListMemories(ctx, "none"); out != `No memories in category "none".` {
		t.Errorf("empty category = %q", out)
	}
}

// failingStore fails every lookup.
type failingStore struct {
	*chatmem.SQLiteStore
}

func (failingStore) GetByKey(context.Context, string) (*chatmem.Memory, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) Upsert(context.Context, string, string, string, string, bool) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func TestFunctions_StoreErrorsBecomeStrings(t *testing.T) {
	fn := mcpserver.NewMemoryFunctions(failingStore{openStore(t)})
	ctx := context.Background()

	for name, out := range map[string]string{
		"remember": fn.Remember(ctx, "k", "v", "", "", false),
		"recall":   fn.Recall(ctx, "k"),
		"update":   fn.Update(ctx, "k", "v", "", "", false),
		"forget":   fn.Forget(ctx, "k"),
	} {
		if !mcpserver.IsError(out) {
			t.Errorf("%s: expected error string, got %q", name, out)
		}
	}
}

// panicStore panics on every call: its embedded interface is nil.
type panicStore struct {
	chatmem.MemoryStore
}

func TestFunctions_PanicsRecovered(t *testing.T) {
	fn := mcpserver.NewMemoryFunctions(panicStore{})
	ctx := context.Background()

	outs := []string{
		fn.Remember(ctx, "k", "v", "", "", false),
		fn.Recall(ctx, "k"),
		fn.Update(ctx, "k", "v", "", "", false),
		fn.Forget(ctx, "k"),
		fn.ListCategories(ctx),
		fn.ListMemories(ctx, ""),
		fn.Call(ctx, "recall", `{"query":"k"}`),
	}
	for i, out := range outs {
		if !mcpserver.IsError(out) || !strings.Contains(out, "unexpectedly") {
			t.Errorf("call %d: %q", i, out)
		}
	}
}

func TestCall(t *testing.T) {
	fn, store := newFunctions(t)
	ctx := context.Background()

	out := fn.Call(ctx, "remember", `{"key":"lang","value":"Go","category":"work","is_important":true}`)
	if mcpserver.IsError(out) {
		t.Fatalf("remember via Call: %s", out)
	}
	if m, _ := store.GetByKey(ctx, "lang"); m == nil || !m.IsImportant || m.Category != "work" {
		t.Errorf("stored = %+v", m)
	}

	if out := fn.Call(ctx, "recall", `{"query":"lang"}`); !strings.Contains(out, "lang: Go") {
		t.Errorf("recall via Call = %q", out)
	}
	if out := fn.Call(ctx, "update_memory", `{"key":"lang","value":"Rust"}`); !strings.Contains(out, "Updated") {
		t.Errorf("update via Call = %q", out)
	}
	if out := fn.Call(ctx, "list_memories", ``); !strings.Contains(out, "lang: Rust") {
		t.Errorf("list via Call = %q", out)
	}
	if out := fn.Call(ctx, "list_categories", `{}`); !strings.Contains(out, "work") {
		t.Errorf("categories via Call = %q", out)
	}
	if out := fn.Call(ctx, "forget", `{"key":"lang"}`); out != `Forgot "lang".` {
		t.Errorf("forget via Call = %q", out)
	}

	if out := fn.Call(ctx, "launch_rockets", `{}`); !mcpserver.IsError(out) {
		t.Errorf("unknown function = %q", out)
	}
	if out := fn.Call(ctx, "remember", `{not json`); !mcpserver.IsError(out) {
		t.Errorf("bad JSON = %q", out)
	}
}

func TestDefinitions(t *testing.T) {
	defs := mcpserver.Definitions()
	fn, _ := newFunctions(t)

	seen := map[string]bool{}
	for _, d := range defs {
		if d.Description == "" || d.Parameters["type"] != "object" {
			t.Errorf("%s: incomplete definition", d.Name)
		}
		if _, err := json.Marshal(d); err != nil {
			t.Errorf("%s: not JSON-encodable: %v", d.Name, err)
		}
		seen[d.Name] = true

		// Every advertised function must be dispatchable.
		out := fn.Call(context.Background(), d.Name, `{}`)
		if strings.Contains(out, "unknown function") {
			t.Errorf("%s not handled by Call", d.Name)
		}
	}
	for _, name := range []string{"remember", "recall", "update_memory", "forget", "list_categories", "list_memories"} {
		if !seen[name] {
			t.Errorf("missing definition %q", name)
		}
	}
}
