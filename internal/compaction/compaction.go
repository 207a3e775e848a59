// Package compaction decides when the model should summarize a
// conversation to reclaim context. Three strategies are supported:
// every N turns, an estimated-token ceiling, or a fraction of the
// model's context window. Token counts are estimated from prompt
// length; the model never reports real usage.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/turn"
)

// Strategy selects the compaction trigger.
type Strategy string

const (
	// StrategyTurnInterval compacts every N turns.
	StrategyTurnInterval Strategy = "turn-interval"

	// StrategyTokenThreshold compacts when estimated tokens exceed a
	// fixed ceiling.
	StrategyTokenThreshold Strategy = "token-threshold"

	// StrategyAuto compacts when the estimated fraction of the context
	// window exceeds a percentage.
	StrategyAuto Strategy = "auto"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTurnInterval, StrategyTokenThreshold, StrategyAuto:
		return true
	}
	return false
}

// Defaults.
const (
	DefaultTurnInterval   = 10
	DefaultTokenThreshold = 100_000
	DefaultContextWindow  = 200_000
	DefaultAutoPercent    = 80
	DefaultHistoryCap     = 200

	// charsPerToken is the estimation divisor: tokens ≈ len(text)/4.
	charsPerToken = 4
)

// compactPrompt is the summarization instruction issued to the model.
const compactPrompt = "Summarize this conversation so far: the objective, " +
	"every file you changed and why, the current verification state, and " +
	"any constraints discovered. Future turns will see only this summary."

// Event is one recorded compaction, persisted newest-last.
type Event struct {
	ThreadID        string    `json:"threadId"`
	Strategy        Strategy  `json:"strategy"`
	Turns           int       `json:"turns"`
	EstimatedTokens int       `json:"estimatedTokens"`
	At              time.Time `json:"at"`
}

// File is the persisted document for compaction history.
type File struct {
	Version int     `json:"version"`
	Events  []Event `json:"events"`
}

// ThreadStatus is the live counter state for one thread.
type ThreadStatus struct {
	ThreadID        string `json:"threadId"`
	Turns           int    `json:"turns"`
	EstimatedTokens int    `json:"estimatedTokens"`
}

// Dispatcher issues the compaction turn. *turn.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req turn.Request) (turn.Result, error)
}

// Config tunes the manager.
type Config struct {
	// Strategy selects the trigger (default auto).
	Strategy Strategy

	// TurnInterval is N for turn-interval (default 10).
	TurnInterval int

	// TokenThreshold is the ceiling for token-threshold (default 100k).
	TokenThreshold int

	// ContextWindow is the model window size in tokens (default 200k).
	ContextWindow int

	// AutoPercent is the window percentage for auto (default 80).
	AutoPercent int

	// HistoryCap bounds the persisted event history (default 200).
	HistoryCap int
}

// Manager tracks per-thread counters and triggers compaction turns.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher
	history    *store.Store[File]
	bus        *events.Bus

	mu      sync.Mutex
	turns   map[string]int
	tokens  map[string]int
	pending map[string]bool // threads mid-compaction, skip re-trigger
}

// NewManager creates a compaction manager persisting under stateDir.
func NewManager(cfg Config, stateDir string, dispatcher Dispatcher, bus *events.Bus) *Manager {
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyAuto
	}
	if cfg.TurnInterval <= 0 {
		cfg.TurnInterval = DefaultTurnInterval
	}
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = DefaultTokenThreshold
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultContextWindow
	}
	if cfg.AutoPercent <= 0 || cfg.AutoPercent > 100 {
		cfg.AutoPercent = DefaultAutoPercent
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		history: store.New(store.Path(stateDir, store.CompactionHistoryFile), func() File {
			return File{Version: 1, Events: []Event{}}
		}),
		bus:     bus,
		turns:   make(map[string]int),
		tokens:  make(map[string]int),
		pending: make(map[string]bool),
	}
}

// Track records one completed turn against the thread's counters.
// Wired into the dispatcher's Track hook, so it must not block or call
// back into the dispatcher.
func (m *Manager) Track(threadID, prompt string) {
	if threadID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[threadID]++
	m.tokens[threadID] += estimateTokens(prompt)
}

// TrackAndCompact records the turn and, when the strategy fires,
// issues a compaction turn and resets the thread's counters. Returns
// whether compaction ran. Drivers whose turns are already counted by
// the dispatcher hook should call MaybeCompact instead, or the turn
// is charged twice.
func (m *Manager) TrackAndCompact(ctx context.Context, threadID, lastPrompt string) (bool, error) {
	if threadID == "" {
		return false, nil
	}
	m.Track(threadID, lastPrompt)
	return m.MaybeCompact(ctx, threadID)
}

// MaybeCompact applies the strategy to the thread's counters and, when
// it fires, issues the compaction turn, records it, and resets the
// counters.
func (m *Manager) MaybeCompact(ctx context.Context, threadID string) (bool, error) {
	if threadID == "" {
		return false, nil
	}

	m.mu.Lock()
	turns := m.turns[threadID]
	tokens := m.tokens[threadID]
	trigger := m.shouldCompact(turns, tokens) && !m.pending[threadID]
	if trigger {
		m.pending[threadID] = true
	}
	m.mu.Unlock()

	if !trigger {
		return false, nil
	}
	defer func() {
		m.mu.Lock()
		delete(m.pending, threadID)
		m.mu.Unlock()
	}()

	// The compaction turn carries no task id: it must not charge any
	// task budget or trip the blocked-file guardrail.
	_, err := m.dispatcher.Dispatch(ctx, turn.Request{
		ThreadID: threadID,
		Prompt:   compactPrompt,
	})
	if err != nil {
		return false, fmt.Errorf("compaction turn on %s: %w", threadID, err)
	}

	record := Event{
		ThreadID:        threadID,
		Strategy:        m.cfg.Strategy,
		Turns:           turns,
		EstimatedTokens: tokens,
		At:              time.Now().UTC(),
	}
	if err := m.history.Update(func(f *File) error {
		f.Events = store.AppendCapped(f.Events, record, m.cfg.HistoryCap)
		return nil
	}); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.turns[threadID] = 0
	m.tokens[threadID] = 0
	m.mu.Unlock()

	m.emit(events.NewEvent(events.CompactionRun, "").WithPayload(map[string]any{
		"thread":   threadID,
		"strategy": string(m.cfg.Strategy),
		"turns":    record.Turns,
		"tokens":   record.EstimatedTokens,
	}))
	return true, nil
}

// shouldCompact applies the configured strategy to the counters.
func (m *Manager) shouldCompact(turns, tokens int) bool {
	switch m.cfg.Strategy {
	case StrategyTurnInterval:
		return turns >= m.cfg.TurnInterval
	case StrategyTokenThreshold:
		return tokens > m.cfg.TokenThreshold
	case StrategyAuto:
		return tokens*100 > m.cfg.ContextWindow*m.cfg.AutoPercent
	}
	return false
}

// Status returns the live counters for every tracked thread.
func (m *Manager) Status() []ThreadStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ThreadStatus, 0, len(m.turns))
	for id, turns := range m.turns {
		out = append(out, ThreadStatus{
			ThreadID:        id,
			Turns:           turns,
			EstimatedTokens: m.tokens[id],
		})
	}
	return out
}

// History returns up to limit compaction events, newest first.
func (m *Manager) History(limit int) ([]Event, error) {
	f, err := m.history.Load()
	if err != nil {
		return nil, err
	}

	var out []Event
	for i := len(f.Events) - 1; i >= 0; i-- {
		out = append(out, f.Events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Forget drops a thread's counters, used when its task is destroyed.
func (m *Manager) Forget(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, threadID)
	delete(m.tokens, threadID)
}

func (m *Manager) emit(e events.Event) {
	if m.bus != nil {
		m.bus.Emit(e)
	}
}

// estimateTokens approximates token usage from text length.
func estimateTokens(text string) int {
	return len(text) / charsPerToken
}
