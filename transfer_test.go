package chatmem_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/matthewjhunter/chatmem"
)

func TestExportImport(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()
	seedFruitMemories(t, src)
	if _, err := src.Upsert(ctx, "vip", "remember me", "personal", "a,b", true); err != nil {
		t.Fatal(err)
	}

	data, err := chatmem.ExportMemories(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if data.Version != 1 || len(data.Memories) != 4 {
		t.Fatalf("export = version %d, %d memories", data.Version, len(data.Memories))
	}
	if data.Memories[0].Key != "fruit1" {
		t.Errorf("first exported = %q, want insertion order", data.Memories[0].Key)
	}

	dst := openTestStore(t)
	result, err := chatmem.ImportMemories(ctx, dst, data, chatmem.ImportOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != 4 || result.Skipped != 0 {
		t.Errorf("import = %+v", result)
	}
	m, _ := dst.GetByKey(ctx, "vip")
	if m == nil || m.Value != "remember me" || !m.IsImportant || m.Tags != "a,b" {
		t.Errorf("vip = %+v", m)
	}
}

func TestImport_SkipExisting(t *testing.T) {
	ctx := context.Background()
	dst := openTestStore(t)
	if _, err := dst.Upsert(ctx, "fruit1", "cherry", "food", "", false); err != nil {
		t.Fatal(err)
	}

	data := &chatmem.ExportData{Version: 1, Memories: []chatmem.ExportedMemory{
		{Key: "fruit1", Value: "apple"},
		{Key: "fruit2", Value: "banana"},
		{Key: " ", Value: "blank key"},
	}}

	result, err := chatmem.ImportMemories(ctx, dst, data, chatmem.ImportOpts{SkipExisting: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != 1 || result.Skipped != 2 {
		t.Errorf("import = %+v", result)
	}
	if m, _ := dst.GetByKey(ctx, "fruit1"); m.Value != "cherry" {
		t.Errorf("existing overwritten: %q", m.Value)
	}

	// Without SkipExisting the import overwrites.
	if _, err := chatmem.ImportMemories(ctx, dst, data, chatmem.ImportOpts{}); err != nil {
		t.Fatal(err)
	}
	if m, _ := dst.GetByKey(ctx, "fruit1"); m.Value != "apple" {
		t.Errorf("fruit1 = %q, want apple", m.Value)
	}
}

func TestImport_UnsupportedVersion(t *testing.T) {
	_, err := chatmem.ImportMemories(context.Background(), openTestStore(t), &chatmem.ExportData{Version: 9}, chatmem.ImportOpts{})
	if !errors.Is(err, chatmem.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestWriteReadExport(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedFruitMemories(t, store)
	data, err := chatmem.ExportMemories(ctx, store)
	if err != nil {
		t.Fatal(err)
	}

	for _, format := range []string{chatmem.FormatJSON, chatmem.FormatYAML} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := chatmem.WriteExport(&buf, data, format); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(buf.String(), "banana") {
				t.Errorf("%s output missing value:\n%s", format, buf.String())
			}
			back, err := chatmem.ReadExport(&buf, format)
			if err != nil {
				t.Fatal(err)
			}
			if len(back.Memories) != 3 || back.Memories[2].Category != "transport" {
				t.Errorf("decoded = %+v", back.Memories)
			}
			if !back.ExportedAt.Equal(data.ExportedAt) {
				t.Errorf("ExportedAt = %v, want %v", back.ExportedAt, data.ExportedAt)
			}
		})
	}

	if err := chatmem.WriteExport(&bytes.Buffer{}, data, "xml"); !errors.Is(err, chatmem.ErrValidation) {
		t.Errorf("unknown format: %v", err)
	}
}
