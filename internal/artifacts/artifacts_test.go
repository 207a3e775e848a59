package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeWorkspaceFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestCollect_VerifyArtifact(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, ".agent-verify.json", `{"success":true}`)

	c := NewCollector(t.TempDir(), nil)
	got, err := c.Collect(context.Background(), "t1", ws)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(got))
	}
	if got[0].Name != ".agent-verify.json" {
		t.Errorf("unexpected name %q", got[0].Name)
	}
	if got[0].Digest == "" {
		t.Error("expected digest")
	}
	if got[0].SizeBytes != int64(len(`{"success":true}`)) {
		t.Errorf("unexpected size %d", got[0].SizeBytes)
	}
	if got[0].ID == "" {
		t.Error("expected id")
	}
}

func TestCollect_ArtifactsDir(t *testing.T) {
	ws := t.TempDir()
	writeWorkspaceFile(t, ws, "artifacts/coverage.txt", "92%")
	writeWorkspaceFile(t, ws, "artifacts/report.json", `{}`)

	c := NewCollector(t.TempDir(), nil)
	got, err := c.Collect(context.Background(), "t1", ws)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(got))
	}
}

func TestCollect_EmptyWorkspace(t *testing.T) {
	c := NewCollector(t.TempDir(), nil)

	got, err := c.Collect(context.Background(), "t1", t.TempDir())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got != nil {
		t.Errorf("expected nothing collected, got %v", got)
	}
}

func TestCollect_SameContentSameDigest(t *testing.T) {
	stateDir := t.TempDir()
	c := NewCollector(stateDir, nil)

	wsA := t.TempDir()
	wsB := t.TempDir()
	writeWorkspaceFile(t, wsA, ".agent-verify.json", `{"success":true}`)
	writeWorkspaceFile(t, wsB, ".agent-verify.json", `{"success":true}`)

	a, err := c.Collect(context.Background(), "ta", wsA)
	if err != nil {
		t.Fatalf("Collect a: %v", err)
	}
	b, err := c.Collect(context.Background(), "tb", wsB)
	if err != nil {
		t.Fatalf("Collect b: %v", err)
	}

	if a[0].Digest != b[0].Digest {
		t.Errorf("identical content should digest equal: %s vs %s", a[0].Digest, b[0].Digest)
	}
}

func TestList_FiltersByTaskNewestFirst(t *testing.T) {
	c := NewCollector(t.TempDir(), nil)

	ws1 := t.TempDir()
	writeWorkspaceFile(t, ws1, ".agent-verify.json", "a")
	if _, err := c.Collect(context.Background(), "t1", ws1); err != nil {
		t.Fatalf("Collect t1: %v", err)
	}

	ws2 := t.TempDir()
	writeWorkspaceFile(t, ws2, ".agent-verify.json", "b")
	if _, err := c.Collect(context.Background(), "t2", ws2); err != nil {
		t.Fatalf("Collect t2: %v", err)
	}

	all, err := c.List("", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(all))
	}
	if all[0].TaskID != "t2" {
		t.Errorf("expected newest first, got %s", all[0].TaskID)
	}

	only1, err := c.List("t1", 0)
	if err != nil {
		t.Fatalf("List t1: %v", err)
	}
	if len(only1) != 1 || only1[0].TaskID != "t1" {
		t.Errorf("filter failed: %v", only1)
	}
}

func TestCollect_CapBoundsHistory(t *testing.T) {
	c := NewCollector(t.TempDir(), nil)
	c.cap = 3

	for i := 0; i < 5; i++ {
		ws := t.TempDir()
		writeWorkspaceFile(t, ws, ".agent-verify.json", string(rune('a'+i)))
		if _, err := c.Collect(context.Background(), "t1", ws); err != nil {
			t.Fatalf("Collect: %v", err)
		}
	}

	all, err := c.List("", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected cap 3, got %d", len(all))
	}
}
