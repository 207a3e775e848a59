package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type testDoc struct {
	Version int      `json:"version"`
	Items   []string `json:"items"`
}

func emptyTestDoc() testDoc {
	return testDoc{Version: 1, Items: []string{}}
}

func newTestStore(t *testing.T) *Store[testDoc] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.json")
	return New(path, emptyTestDoc)
}

func TestStore_LoadMissingFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("expected version 1, got %d", doc.Version)
	}
	if len(doc.Items) != 0 {
		t.Errorf("expected no items, got %v", doc.Items)
	}
}

func TestStore_EmptyValueIsNotShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	a := New(path, emptyTestDoc)
	docA, err := a.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	docA.Items = append(docA.Items, "mutated")

	b := New(path, emptyTestDoc)
	docB, err := b.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(docB.Items) != 0 {
		t.Errorf("empty value leaked state between loads: %v", docB.Items)
	}
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)

	want := testDoc{Version: 1, Items: []string{"a", "b"}}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Fresh store against the same path re-reads from disk.
	s2 := New(s.Path(), emptyTestDoc)
	got, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Items) != 2 || got.Items[0] != "a" || got.Items[1] != "b" {
		t.Errorf("round trip mismatch: %v", got.Items)
	}
}

func TestStore_SaveLeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(testDoc{Version: 1, Items: []string{"x"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(s.Path() + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected temp file to be gone, stat err=%v", err)
	}
}

func TestStore_StaleTempFileDoesNotCorruptLoad(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(testDoc{Version: 1, Items: []string{"old"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a crash between temp-write and rename.
	if err := os.WriteFile(s.Path()+".tmp", []byte("{garbage"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	s2 := New(s.Path(), emptyTestDoc)
	got, err := s2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0] != "old" {
		t.Errorf("expected old content to survive, got %v", got.Items)
	}
}

func TestStore_LoadCorruptFileFailsWithStorageError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New(path, emptyTestDoc)
	_, err := s.Load()
	if err == nil {
		t.Fatal("expected error for corrupt file")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %T", err)
	}
	if se.Op != "decode" {
		t.Errorf("expected decode op, got %q", se.Op)
	}
}

func TestStore_VersionPassesThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte(`{"version":7,"items":["k"]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := New(path, emptyTestDoc)
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != 7 {
		t.Fatalf("expected version 7 preserved, got %d", doc.Version)
	}

	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var onDisk testDoc
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if onDisk.Version != 7 {
		t.Errorf("expected version 7 on disk, got %d", onDisk.Version)
	}
}

func TestStore_Update(t *testing.T) {
	s := newTestStore(t)

	err := s.Update(func(d *testDoc) error {
		d.Items = append(d.Items, "added")
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, _ := s.Load()
	if len(doc.Items) != 1 || doc.Items[0] != "added" {
		t.Errorf("update not applied: %v", doc.Items)
	}
}

func TestStore_UpdateErrorDoesNotWrite(t *testing.T) {
	s := newTestStore(t)

	wantErr := errors.New("nope")
	err := s.Update(func(d *testDoc) error {
		d.Items = append(d.Items, "x")
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error, got %v", err)
	}

	if _, statErr := os.Stat(s.Path()); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("expected no file written, stat err=%v", statErr)
	}
}

func TestStore_Invalidate(t *testing.T) {
	s := newTestStore(t)

	if err := s.Save(testDoc{Version: 1, Items: []string{"a"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Overwrite the file behind the store's back.
	if err := os.WriteFile(s.Path(), []byte(`{"version":1,"items":["b"]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	doc, _ := s.Load()
	if doc.Items[0] != "a" {
		t.Fatalf("expected cached value before invalidate, got %v", doc.Items)
	}

	s.Invalidate()
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Items[0] != "b" {
		t.Errorf("expected re-read after invalidate, got %v", doc.Items)
	}
}

func TestAppendCapped(t *testing.T) {
	tests := []struct {
		name  string
		start []int
		item  int
		limit int
		want  []int
	}{
		{
			name:  "under cap",
			start: []int{1, 2},
			item:  3,
			limit: 5,
			want:  []int{1, 2, 3},
		},
		{
			name:  "at cap drops oldest",
			start: []int{1, 2, 3},
			item:  4,
			limit: 3,
			want:  []int{2, 3, 4},
		},
		{
			name:  "zero limit unbounded",
			start: []int{1, 2, 3},
			item:  4,
			limit: 0,
			want:  []int{1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendCapped(tt.start, tt.item, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("length %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("index %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAppendCapped_ManyOverCap(t *testing.T) {
	var list []int
	for i := 0; i < 1010; i++ {
		list = AppendCapped(list, i, 1000)
	}
	if len(list) != 1000 {
		t.Fatalf("expected 1000 entries, got %d", len(list))
	}
	if list[0] != 10 {
		t.Errorf("expected oldest 10 dropped, head is %d", list[0])
	}
	if list[len(list)-1] != 1009 {
		t.Errorf("expected newest retained, tail is %d", list[len(list)-1])
	}
}
