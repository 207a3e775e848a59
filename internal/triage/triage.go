// Package triage classifies inbound issues into a coarse category with
// a complexity estimate. Classification is keyword-based and
// deterministic; anything the keywords miss lands in "unknown" for a
// human to sort.
package triage

import (
	"strings"
	"time"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
)

// Category is the issue classification.
type Category string

const (
	CategoryBug      Category = "bug"
	CategoryFeature  Category = "feature"
	CategoryRefactor Category = "refactor"
	CategoryUnknown  Category = "unknown"
)

// Complexity is the effort estimate.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// DefaultHistoryCap bounds the persisted triage log.
const DefaultHistoryCap = 500

// Keyword tables, checked in order: bug signals outrank feature
// signals, feature outranks refactor.
var (
	bugKeywords      = []string{"bug", "crash", "broken", "error", "regression", "fails", "failure", "exception", "panic"}
	featureKeywords  = []string{"feature", "add ", "implement", "support", "enhancement", "request", "new "}
	refactorKeywords = []string{"refactor", "cleanup", "clean up", "rename", "restructure", "simplify", "tech debt", "extract"}
)

// Classification is the pure result of classifying one issue.
type Classification struct {
	Category   Category   `json:"category"`
	Complexity Complexity `json:"complexity"`
	Labels     []string   `json:"labels"`
}

// Entry is one triaged issue as persisted.
type Entry struct {
	IssueNumber int        `json:"issueNumber"`
	Title       string     `json:"title"`
	Category    Category   `json:"category"`
	Complexity  Complexity `json:"complexity"`
	Labels      []string   `json:"labels"`
	At          time.Time  `json:"at"`
}

// File is the persisted triage document.
type File struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Classify categorizes an issue from its title and body.
func Classify(title, body string) Classification {
	text := strings.ToLower(title + "\n" + body)

	category := CategoryUnknown
	switch {
	case containsAny(text, bugKeywords):
		category = CategoryBug
	case containsAny(text, featureKeywords):
		category = CategoryFeature
	case containsAny(text, refactorKeywords):
		category = CategoryRefactor
	}

	return Classification{
		Category:   category,
		Complexity: estimateComplexity(body),
		Labels:     labelsFor(category),
	}
}

// estimateComplexity sizes the issue from its body: word count plus
// task-list bullets. Long write-ups and multi-item checklists signal
// bigger work.
func estimateComplexity(body string) Complexity {
	words := len(strings.Fields(body))
	checkboxes := strings.Count(body, "- [ ]") + strings.Count(body, "- [x]")

	switch {
	case words > 200 || checkboxes > 3:
		return ComplexityHigh
	case words > 50 || checkboxes > 0:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

func labelsFor(c Category) []string {
	switch c {
	case CategoryBug:
		return []string{"bug"}
	case CategoryFeature:
		return []string{"enhancement"}
	case CategoryRefactor:
		return []string{"refactor"}
	default:
		return []string{"needs-triage"}
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Engine classifies issues and keeps the capped triage log.
type Engine struct {
	log        *store.Store[File]
	bus        *events.Bus
	historyCap int
}

// NewEngine creates a triage engine persisting under stateDir.
func NewEngine(stateDir string, bus *events.Bus) *Engine {
	return &Engine{
		log: store.New(store.Path(stateDir, store.TriageFile), func() File {
			return File{Version: 1, Entries: []Entry{}}
		}),
		bus:        bus,
		historyCap: DefaultHistoryCap,
	}
}

// Triage classifies the issue, appends it to the log, and returns the
// recorded entry.
func (e *Engine) Triage(issueNumber int, title, body string) (Entry, error) {
	c := Classify(title, body)
	entry := Entry{
		IssueNumber: issueNumber,
		Title:       title,
		Category:    c.Category,
		Complexity:  c.Complexity,
		Labels:      c.Labels,
		At:          time.Now().UTC(),
	}

	if err := e.log.Update(func(f *File) error {
		f.Entries = store.AppendCapped(f.Entries, entry, e.historyCap)
		return nil
	}); err != nil {
		return Entry{}, err
	}

	if e.bus != nil {
		e.bus.Emit(events.NewEvent(events.IssueTriaged, "").WithPayload(map[string]any{
			"issue":      entry.IssueNumber,
			"category":   string(entry.Category),
			"complexity": string(entry.Complexity),
		}))
	}
	return entry, nil
}

// List returns up to limit entries, newest first. Zero means all.
func (e *Engine) List(limit int) ([]Entry, error) {
	f, err := e.log.Load()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for i := len(f.Entries) - 1; i >= 0; i-- {
		out = append(out, f.Entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
