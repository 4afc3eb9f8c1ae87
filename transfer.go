package chatmem

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// exportVersion is bumped when ExportData changes incompatibly.
const exportVersion = 1

// ExportData is the top-level structure for a memory export. Message
// vectors are not exported; they are model-specific and are regenerated by
// the embedding pipeline.
type ExportData struct {
	Version    int              `json:"version" yaml:"version"`
	ExportedAt time.Time        `json:"exported_at" yaml:"exported_at"`
	Memories   []ExportedMemory `json:"memories" yaml:"memories"`
}

// ExportedMemory represents a single memory in an export.
type ExportedMemory struct {
	Key       string    `json:"key" yaml:"key"`
	Value     string    `json:"value" yaml:"value"`
	Category  string    `json:"category,omitempty" yaml:"category,omitempty"`
	Tags      string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Important bool      `json:"important,omitempty" yaml:"important,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// ExportMemories reads every memory from store, oldest first.
func ExportMemories(ctx context.Context, store MemoryStore) (*ExportData, error) {
	all, err := store.GetAll(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem export: reading memories")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	data := &ExportData{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		Memories:   make([]ExportedMemory, 0, len(all)),
	}
	for _, m := range all {
		data.Memories = append(data.Memories, ExportedMemory{
			Key:       m.Key,
			Value:     m.Value,
			Category:  m.Category,
			Tags:      m.Tags,
			Important: m.IsImportant,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return data, nil
}

// ImportOpts controls import behavior.
type ImportOpts struct {
	// SkipExisting leaves memories whose key already exists untouched
	// instead of overwriting them.
	SkipExisting bool
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	Imported int
	Skipped  int
}

// ImportMemories upserts every memory in data into store, keyed by Key.
// Stored timestamps reflect the import, not the export.
func ImportMemories(ctx context.Context, store MemoryStore, data *ExportData, opts ImportOpts) (*ImportResult, error) {
	if data.Version != exportVersion {
		return nil, goerr.Wrap(ErrValidation, "chatmem import: unsupported export version", goerr.V("version", data.Version))
	}

	result := &ImportResult{}
	for _, em := range data.Memories {
		if strings.TrimSpace(em.Key) == "" {
			result.Skipped++
			continue
		}
		if opts.SkipExisting {
			existing, err := store.GetByKey(ctx, em.Key)
			if err != nil {
				return nil, goerr.Wrap(err, "chatmem import: checking existing key", goerr.V("key", em.Key))
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}

		if _, err := store.Upsert(ctx, em.Key, em.Value, em.Category, em.Tags, em.Important); err != nil {
			return nil, goerr.Wrap(err, "chatmem import: saving memory", goerr.V("key", em.Key))
		}
		result.Imported++
	}
	return result, nil
}

// Export formats understood by WriteExport and ReadExport.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// WriteExport encodes data to w as JSON or YAML.
func WriteExport(w io.Writer, data *ExportData, format string) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return goerr.Wrap(err, "chatmem: encoding JSON export")
		}
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return goerr.Wrap(err, "chatmem: encoding YAML export")
		}
		return enc.Close()
	default:
		return goerr.Wrap(ErrValidation, "unknown export format", goerr.V("format", format))
	}
	return nil
}

// ReadExport decodes an export previously written by WriteExport.
func ReadExport(r io.Reader, format string) (*ExportData, error) {
	var data ExportData
	switch format {
	case FormatJSON, "":
		if err := json.NewDecoder(r).Decode(&data); err != nil {
			return nil, goerr.Wrap(err, "chatmem: decoding JSON export")
		}
	case FormatYAML, "yml":
		if err := yaml.NewDecoder(r).Decode(&data); err != nil {
			return nil, goerr.Wrap(err, "chatmem: decoding YAML export")
		}
	default:
		return nil, goerr.Wrap(ErrValidation, "unknown export format", goerr.V("format", format))
	}
	return &data, nil
}
