package memory

import (
	"fmt"
	"testing"
)

func TestAppend_StampsIDAndTime(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Append(Note{TaskID: "t1", Outcome: "pr_opened"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	notes, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("len = %d, want 1", len(notes))
	}
	if notes[0].ID == "" || notes[0].At.IsZero() {
		t.Errorf("note = %+v, want stamped id and time", notes[0])
	}
}

func TestList_NewestFirstWithLimit(t *testing.T) {
	s := NewStore(t.TempDir())

	for i := 1; i <= 4; i++ {
		if err := s.Append(Note{Outcome: fmt.Sprintf("note %d", i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	notes, err := s.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("len = %d, want 2", len(notes))
	}
	if notes[0].Outcome != "note 4" || notes[1].Outcome != "note 3" {
		t.Errorf("order = %q, %q; want newest first", notes[0].Outcome, notes[1].Outcome)
	}
}

func TestAppend_Capped(t *testing.T) {
	s := NewStore(t.TempDir())
	s.cap = 3

	for i := 1; i <= 5; i++ {
		if err := s.Append(Note{Outcome: fmt.Sprintf("note %d", i)}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	notes, err := s.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("len = %d, want cap 3", len(notes))
	}
	if notes[len(notes)-1].Outcome != "note 3" {
		t.Errorf("oldest surviving = %q, want note 3", notes[len(notes)-1].Outcome)
	}
}
