package chatmem

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// ExtractHints provides domain context to guide memory extraction.
type ExtractHints struct {
	Persona    string   // name/role for domain context
	Focus      []string // topics to prioritize
	Categories []string // restrict to these; empty = model's choice
}

// ExtractResult summarizes the outcome of an extraction run.
type ExtractResult struct {
	Saved     []Memory // inserted or changed by this run
	Unchanged int      // already stored with the same value
	Errors    []error  // per-candidate parse/upsert failures
}

// PromptFunc builds the extraction prompt from input text and hints.
type PromptFunc func(text string, hints ExtractHints) string

// MemoryExtractor distills conversation text into key/value memories using
// a text-completion Generator and stores them through a MemoryStore.
type MemoryExtractor struct {
	store     MemoryStore
	generator Generator
	promptFn  PromptFunc // nil = defaultPrompt
}

// NewMemoryExtractor creates an extractor persisting into store.
func NewMemoryExtractor(store MemoryStore, generator Generator) *MemoryExtractor {
	return &MemoryExtractor{store: store, generator: generator}
}

// SetPromptFunc overrides the default prompt builder.
func (e *MemoryExtractor) SetPromptFunc(fn PromptFunc) {
	e.promptFn = fn
}

// extractedMemory is the intermediate representation parsed from LLM output.
type extractedMemory struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Category  string `json:"category"`
	Tags      any    `json:"tags"` // "a,b" or ["a","b"]
	Important bool   `json:"important"`
}

// ExtractMemories asks gen for memories in text without persisting them.
// Candidates with a blank key or value are dropped.
func ExtractMemories(ctx context.Context, gen Generator, text string, hints ExtractHints) ([]Memory, error) {
	raw, err := generate(ctx, gen, defaultPrompt(text, hints))
	if err != nil {
		return nil, err
	}

	parsed, parseErrs := parseExtractResponse(raw)
	if len(parseErrs) > 0 && len(parsed) == 0 {
		return nil, parseErrs[0]
	}

	var out []Memory
	for _, em := range parsed {
		if m, ok := em.memory(); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Extract distills text into memories and upserts each one by key.
func (e *MemoryExtractor) Extract(ctx context.Context, text string, hints ExtractHints) (*ExtractResult, error) {
	promptFn := e.promptFn
	if promptFn == nil {
		promptFn = defaultPrompt
	}

	raw, err := generate(ctx, e.generator, promptFn(text, hints))
	if err != nil {
		return nil, err
	}

	parsed, parseErrs := parseExtractResponse(raw)
	result := &ExtractResult{Errors: parseErrs}

	for _, em := range parsed {
		m, ok := em.memory()
		if !ok {
			continue
		}

		existing, err := e.store.GetByKey(ctx, m.Key)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("looking up %q: %w", m.Key, err))
			continue
		}
		if existing != nil && existing.Value == m.Value {
			result.Unchanged++
			continue
		}

		id, err := e.store.Upsert(ctx, m.Key, m.Value, m.Category, m.Tags, m.IsImportant)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("saving %q: %w", m.Key, err))
			continue
		}
		m.ID = id
		result.Saved = append(result.Saved, m)
	}

	return result, nil
}

// FormatTranscript renders messages as "role: content" lines for extraction.
func FormatTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// generate prefers structured JSON output when the generator offers it.
func generate(ctx context.Context, gen Generator, prompt string) (string, error) {
	var raw string
	var err error
	if jg, ok := gen.(JSONGenerator); ok {
		raw, err = jg.GenerateJSON(ctx, prompt)
	} else {
		raw, err = gen.Generate(ctx, prompt)
	}
	if err != nil {
		return "", goerr.Wrap(err, "chatmem: extraction generation failed")
	}
	return raw, nil
}

func (em extractedMemory) memory() (Memory, bool) {
	key := strings.TrimSpace(em.Key)
	value := strings.TrimSpace(em.Value)
	if key == "" || value == "" {
		return Memory{}, false
	}

	var tags []string
	switch t := em.Tags.(type) {
	case string:
		tags = SplitTags(t)
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok {
				tags = append(tags, SplitTags(s)...)
			}
		}
	}

	return Memory{
		Key:         key,
		Value:       value,
		Category:    strings.TrimSpace(em.Category),
		Tags:        strings.Join(tags, ","),
		IsImportant: em.Important,
	}, true
}

// parseExtractResponse parses the LLM JSON output into extracted memories.
// It returns successfully parsed candidates and any parse errors encountered.
func parseExtractResponse(raw string) ([]extractedMemory, []error) {
	raw = strings.TrimSpace(raw)

	var out []extractedMemory
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// Try extracting a JSON array from markdown fences or surrounding text.
		if start := strings.Index(raw, "["); start >= 0 {
			if end := strings.LastIndex(raw, "]"); end > start {
				if err2 := json.Unmarshal([]byte(raw[start:end+1]), &out); err2 == nil {
					return out, nil
				}
			}
		}
		return nil, []error{goerr.Wrap(err, "chatmem: failed to parse extraction response")}
	}

	return out, nil
}

// defaultPrompt builds the extraction prompt for the LLM.
func defaultPrompt(text string, hints ExtractHints) string {
	var b strings.Builder

	b.WriteString("Extract durable facts about the user from the following conversation. Return a JSON array of objects, each with these fields:\n")
	b.WriteString("- \"key\": a short stable identifier such as \"favorite_color\" or \"home_city\"\n")
	b.WriteString("- \"value\": the fact itself, concise\n")
	b.WriteString("- \"category\": a broad grouping such as preference, personal, work, health\n")
	b.WriteString("- \"tags\": comma-separated keywords\n")
	b.WriteString("- \"important\": true only for facts the assistant should always keep in mind\n\n")

	if hints.Persona != "" {
		fmt.Fprintf(&b, "Context: you are extracting memories for the persona %q.\n", hints.Persona)
	}
	if len(hints.Focus) > 0 {
		fmt.Fprintf(&b, "Prioritize facts about: %s.\n", strings.Join(hints.Focus, ", "))
	}
	if len(hints.Categories) > 0 {
		fmt.Fprintf(&b, "Only use these categories: %s.\n", strings.Join(hints.Categories, ", "))
	}

	b.WriteString("\nReturn ONLY the JSON array, no other text. Return [] if there is nothing worth remembering.\n\nConversation:\n")
	b.WriteString(text)

	return b.String()
}
