// Package artifacts collects the files a verification run leaves behind
// (the verify artifact, anything the project drops under artifacts/)
// and records them with content digests. Collection is enrichment: it
// runs after the primary flow and its failures are swallowed upstream.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
)

// DefaultCap bounds the persisted artifact history.
const DefaultCap = 500

// maxDigestBytes caps how much of a file is read for digesting. Larger
// files are digested over their first 8 MiB.
const maxDigestBytes = 8 * 1024 * 1024

// wellKnownFiles are workspace-root files always collected when present.
var wellKnownFiles = []string{".agent-verify.json"}

// artifactsDir is the workspace directory whose contents are collected.
const artifactsDir = "artifacts"

// Artifact is one recorded file.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"createdAt"`
}

// File is the persisted document for collected artifacts.
type File struct {
	Version   int        `json:"version"`
	Artifacts []Artifact `json:"artifacts"`
}

// Collector scans workspaces and records artifacts.
type Collector struct {
	store *store.Store[File]
	cap   int
	bus   *events.Bus
}

// NewCollector creates a collector persisting under stateDir.
func NewCollector(stateDir string, bus *events.Bus) *Collector {
	return &Collector{
		store: store.New(store.Path(stateDir, store.ArtifactsFile), func() File {
			return File{Version: 1, Artifacts: []Artifact{}}
		}),
		cap: DefaultCap,
		bus: bus,
	}
}

// Collect records every artifact the task's workspace currently holds
// and returns the new entries. Missing files are skipped, not errors.
func (c *Collector) Collect(ctx context.Context, taskID, workspaceDir string) ([]Artifact, error) {
	var found []Artifact

	for _, name := range wellKnownFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a, ok := c.record(taskID, workspaceDir, name); ok {
			found = append(found, a)
		}
	}

	entries, err := os.ReadDir(filepath.Join(workspaceDir, artifactsDir))
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if a, ok := c.record(taskID, workspaceDir, filepath.Join(artifactsDir, entry.Name())); ok {
				found = append(found, a)
			}
		}
	}

	if len(found) == 0 {
		return nil, nil
	}

	err = c.store.Update(func(f *File) error {
		for _, a := range found {
			f.Artifacts = store.AppendCapped(f.Artifacts, a, c.cap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range found {
		c.emit(events.NewEvent(events.ArtifactCreated, taskID).WithPayload(map[string]any{
			"name":   a.Name,
			"digest": a.Digest,
		}))
	}
	return found, nil
}

// record digests one file relative to the workspace. Returns false when
// the file is absent or unreadable.
func (c *Collector) record(taskID, workspaceDir, rel string) (Artifact, bool) {
	path := filepath.Join(workspaceDir, rel)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Artifact{}, false
	}

	digest, err := digestFile(path)
	if err != nil {
		return Artifact{}, false
	}

	return Artifact{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Name:      rel,
		Path:      path,
		SizeBytes: info.Size(),
		Digest:    digest,
		CreatedAt: time.Now().UTC(),
	}, true
}

// List returns recorded artifacts, newest first, optionally filtered by
// task. A limit of zero or less returns everything retained.
func (c *Collector) List(taskID string, limit int) ([]Artifact, error) {
	f, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for i := len(f.Artifacts) - 1; i >= 0; i-- {
		a := f.Artifacts[i]
		if taskID != "" && a.TaskID != taskID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *Collector) emit(e events.Event) {
	if c.bus != nil {
		c.bus.Emit(e)
	}
}

// digestFile returns the hex blake3 digest of the file's leading bytes.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, io.LimitReader(f, maxDigestBytes)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
