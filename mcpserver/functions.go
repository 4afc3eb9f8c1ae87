package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matthewjhunter/chatmem"
	"github.com/matthewjhunter/chatmem/internal/logging"
)

// MemoryFunctions is the function-calling surface over a MemoryStore. Every
// method returns one human-readable string meant to be handed back to the
// model verbatim. Failures are reported in the string, prefixed "Error:";
// nothing is returned as an error and panics are recovered.
type MemoryFunctions struct {
	store chatmem.MemoryStore
}

// NewMemoryFunctions creates the function bridge over store.
func NewMemoryFunctions(store chatmem.MemoryStore) *MemoryFunctions {
	return &MemoryFunctions{store: store}
}

// errorPrefix starts every failure string.
const errorPrefix = "Error: "

// IsError reports whether a bridge result describes a failure.
func IsError(result string) bool {
	return strings.HasPrefix(result, errorPrefix)
}

func errorf(format string, args ...any) string {
	return errorPrefix + fmt.Sprintf(format, args...)
}

func keyNotFound(key string) string {
	return fmt.Sprintf("No memory found with key %q.", key)
}

// guard converts a panic in a bridge method into an error string.
func guard(ctx context.Context, op string, out *string) {
	if r := recover(); r != nil {
		logging.From(ctx).Error("memory function panicked", "function", op, "panic", r)
		*out = errorf("%s failed unexpectedly: %v", op, r)
	}
}

// Remember stores value under key, replacing any existing memory with the
// same key.
func (f *MemoryFunctions) Remember(ctx context.Context, key, value, category, tags string, important bool) (out string) {
	defer guard(ctx, "remember", &out)

	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if key == "" {
		return errorf("key is required.")
	}
	if value == "" {
		return errorf("value is required.")
	}

	id, err := f.store.Upsert(ctx, key, value, strings.TrimSpace(category), normalizeTags(tags), important)
	if err != nil {
		return errorf("could not save memory %q: %v", key, err)
	}
	if id == 0 {
		return errorf("memory %q was not saved.", key)
	}
	return fmt.Sprintf("Remembered %q: %q.", key, value)
}

// Recall looks up query as an exact key first, then as a case-insensitive
// search term across all memory fields.
func (f *MemoryFunctions) Recall(ctx context.Context, query string) (out string) {
	defer guard(ctx, "recall", &out)

	query = strings.TrimSpace(query)
	if query == "" {
		return errorf("query is required.")
	}

	m, err := f.store.GetByKey(ctx, query)
	if err != nil {
		return errorf("could not look up %q: %v", query, err)
	}
	if m != nil {
		return strings.TrimRight("Found 1 memory:\n"+formatMemory(*m), "\n")
	}

	found, err := f.store.Search(ctx, query)
	if err != nil {
		return errorf("could not search for %q: %v", query, err)
	}
	if len(found) == 0 {
		return fmt.Sprintf("No memories found matching %q.", query)
	}

	var b strings.Builder
	if len(found) == 1 {
		fmt.Fprintf(&b, "Found 1 memory matching %q:\n", query)
	} else {
		fmt.Fprintf(&b, "Found %d memories matching %q:\n", len(found), query)
	}
	for _, m := range found {
		b.WriteString(formatMemory(m))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Update changes an existing memory. Unlike Remember it never creates one.
// An empty category or tags keeps the stored value.
func (f *MemoryFunctions) Update(ctx context.Context, key, value, category, tags string, important bool) (out string) {
	defer guard(ctx, "update", &out)

	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if key == "" {
		return errorf("key is required.")
	}
	if value == "" {
		return errorf("value is required.")
	}

	m, err := f.store.GetByKey(ctx, key)
	if err != nil {
		return errorf("could not look up %q: %v", key, err)
	}
	if m == nil {
		return keyNotFound(key)
	}

	m.Value = value
	if c := strings.TrimSpace(category); c != "" {
		m.Category = c
	}
	if t := normalizeTags(tags); t != "" {
		m.Tags = t
	}
	m.IsImportant = important

	rows, err := f.store.Update(ctx, *m)
	if err != nil {
		return errorf("could not update %q: %v", key, err)
	}
	if rows == 0 {
		return keyNotFound(key)
	}
	return fmt.Sprintf("Updated %q: %q.", key, value)
}

// Forget deletes the memory stored under key.
func (f *MemoryFunctions) Forget(ctx context.Context, key string) (out string) {
	defer guard(ctx, "forget", &out)

	key = strings.TrimSpace(key)
	if key == "" {
		return errorf("key is required.")
	}

	m, err := f.store.GetByKey(ctx, key)
	if err != nil {
		return errorf("could not look up %q: %v", key, err)
	}
	if m == nil {
		return keyNotFound(key)
	}

	rows, err := f.store.Delete(ctx, m.ID)
	if err != nil {
		return errorf("could not delete %q: %v", key, err)
	}
	if rows == 0 {
		return keyNotFound(key)
	}
	return fmt.Sprintf("Forgot %q.", key)
}

// ListCategories lists the distinct memory categories.
func (f *MemoryFunctions) ListCategories(ctx context.Context) (out string) {
	defer guard(ctx, "list_categories", &out)

	cats, err := f.store.GetAllCategories(ctx)
	if err != nil {
		return errorf("could not list categories: %v", err)
	}
	if len(cats) == 0 {
		return "No categories yet."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d categories:\n", len(cats))
	for _, c := range cats {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ListMemories lists every memory, or only those in category when it is
// non-empty, most recently updated first.
func (f *MemoryFunctions) ListMemories(ctx context.Context, category string) (out string) {
	defer guard(ctx, "list_memories", &out)

	category = strings.TrimSpace(category)
	var mems []chatmem.Memory
	var err error
	if category == "" {
		mems, err = f.store.GetAll(ctx)
	} else {
		mems, err = f.store.GetByCategory(ctx, category)
	}
	if err != nil {
		return errorf("could not list memories: %v", err)
	}

	if len(mems) == 0 {
		if category != "" {
			return fmt.Sprintf("No memories in category %q.", category)
		}
		return "No memories stored."
	}

	var b strings.Builder
	noun := "memories"
	if len(mems) == 1 {
		noun = "memory"
	}
	if category != "" {
		fmt.Fprintf(&b, "%d %s in category %q:\n", len(mems), noun, category)
	} else {
		fmt.Fprintf(&b, "%d %s:\n", len(mems), noun)
	}
	for _, m := range mems {
		b.WriteString(formatMemory(m))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatMemory(m chatmem.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s", m.Key, m.Value)
	if m.Category != "" {
		fmt.Fprintf(&b, " [%s]", m.Category)
	}
	if m.IsImportant {
		b.WriteString(" (important)")
	}
	if m.Tags != "" {
		fmt.Fprintf(&b, " tags: %s", m.Tags)
	}
	fmt.Fprintf(&b, " updated %s\n", m.UpdatedAt.Local().Format("2006-01-02 15:04"))
	return b.String()
}

func normalizeTags(tags string) string {
	return strings.Join(chatmem.SplitTags(tags), ",")
}

// --- Function calling ---

// FunctionDefinition describes one bridge function for a chat completion
// API's tools list. Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// MemoryArgs carries the arguments of any bridge function call.
type MemoryArgs struct {
	Key         string `json:"key,omitempty"`
	Value       string `json:"value,omitempty"`
	Category    string `json:"category,omitempty"`
	Tags        string `json:"tags,omitempty"`
	IsImportant bool   `json:"is_important,omitempty"`
	Query       string `json:"query,omitempty"`
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Definitions lists the bridge functions in the order a client should offer
// them.
func Definitions() []FunctionDefinition {
	writeProps := map[string]any{
		"key":          stringProp("Unique key for the memory, e.g. favorite_color."),
		"value":        stringProp("The information to store."),
		"category":     stringProp("Optional grouping such as preference, personal, work."),
		"tags":         stringProp("Optional comma-separated keywords."),
		"is_important": map[string]any{"type": "boolean", "description": "True for facts that should always be kept in mind."},
	}
	return []FunctionDefinition{
		{
			Name:        "remember",
			Description: "Save a fact about the user under a key. Overwrites any memory with the same key.",
			Parameters:  objectSchema(writeProps, "key", "value"),
		},
		{
			Name:        "recall",
			Description: "Look up memories by exact key, falling back to a case-insensitive search of keys, values, categories and tags.",
			Parameters:  objectSchema(map[string]any{"query": stringProp("A key or search term.")}, "query"),
		},
		{
			Name:        "update_memory",
			Description: "Change the value of an existing memory. Fails if the key does not exist.",
			Parameters:  objectSchema(writeProps, "key", "value"),
		},
		{
			Name:        "forget",
			Description: "Delete the memory stored under a key.",
			Parameters:  objectSchema(map[string]any{"key": stringProp("Key of the memory to delete.")}, "key"),
		},
		{
			Name:        "list_categories",
			Description: "List the categories memories are grouped into.",
			Parameters:  objectSchema(map[string]any{}),
		},
		{
			Name:        "list_memories",
			Description: "List stored memories, optionally only one category.",
			Parameters:  objectSchema(map[string]any{"category": stringProp("Optional category filter.")}),
		},
	}
}

// Call dispatches a function call by name with JSON-encoded arguments, as
// produced by chat completion APIs. Like the methods it wraps, it always
// returns a string.
func (f *MemoryFunctions) Call(ctx context.Context, name, argsJSON string) (out string) {
	defer guard(ctx, name, &out)

	var args MemoryArgs
	if s := strings.TrimSpace(argsJSON); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return errorf("invalid arguments for %s: %v", name, err)
		}
	}

	switch name {
	case "remember":
		return f.Remember(ctx, args.Key, args.Value, args.Category, args.Tags, args.IsImportant)
	case "recall":
		return f.Recall(ctx, args.Query)
	case "update_memory":
		return f.Update(ctx, args.Key, args.Value, args.Category, args.Tags, args.IsImportant)
	case "forget":
		return f.Forget(ctx, args.Key)
	case "list_categories":
		return f.ListCategories(ctx)
	case "list_memories":
		return f.ListMemories(ctx, args.Category)
	default:
		return errorf("unknown function %q.", name)
	}
}
