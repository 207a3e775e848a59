// Package alert routes operator notifications through configurable
// channels with muting and duplicate suppression. Every alert lands in
// history whether or not it was dispatched, so the dashboard can show
// what was suppressed and why.
package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
)

// Severity indicates how urgent the alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Defaults.
const (
	DefaultHistoryCap = 1000

	// dedupWindow suppresses identical alerts arriving inside it.
	dedupWindow = 5 * time.Minute
)

// Suppression reasons recorded on non-dispatched alerts.
const (
	ReasonMuted     = "muted"
	ReasonDuplicate = "duplicate"
)

// Record is one alert as it landed in history.
type Record struct {
	ID         string            `json:"id"`
	Severity   Severity          `json:"severity"`
	Source     string            `json:"source"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Dispatched bool              `json:"dispatched"`
	Channels   []string          `json:"channels,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	At         time.Time         `json:"at"`
}

// Mute suppresses alerts whose title, source, or message contains the
// pattern, until it expires.
type Mute struct {
	Pattern   string    `json:"pattern"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HistoryFile is the persisted alert history document.
type HistoryFile struct {
	Version int      `json:"version"`
	Alerts  []Record `json:"alerts"`
}

// ConfigFile is the persisted mute list.
type ConfigFile struct {
	Version int    `json:"version"`
	Mutes   []Mute `json:"mutes"`
}

// Config tunes the manager and selects channels.
type Config struct {
	// Console enables the stderr channel.
	Console bool

	// SlackWebhookURL enables the Slack channel when non-empty.
	SlackWebhookURL string

	// WebhookURL enables the generic webhook channel when non-empty.
	WebhookURL string

	// HistoryCap bounds the persisted history (default 1000).
	HistoryCap int
}

// Manager owns the alert pipeline: mute, dedup, fan out, record.
type Manager struct {
	cfg      Config
	channels []Channel
	history  *store.Store[HistoryFile]
	mutes    *store.Store[ConfigFile]
	bus      *events.Bus

	mu        sync.Mutex
	errCounts map[string]int

	now func() time.Time
}

// NewManager creates a manager with channels built from cfg.
func NewManager(cfg Config, stateDir string, bus *events.Bus) *Manager {
	var channels []Channel
	if cfg.Console {
		channels = append(channels, NewConsole())
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlack(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, NewWebhook(cfg.WebhookURL))
	}
	return NewManagerWithChannels(cfg, stateDir, channels, bus)
}

// NewManagerWithChannels creates a manager with explicit channels.
func NewManagerWithChannels(cfg Config, stateDir string, channels []Channel, bus *events.Bus) *Manager {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	return &Manager{
		cfg:      cfg,
		channels: channels,
		history: store.New(store.Path(stateDir, store.AlertsHistoryFile), func() HistoryFile {
			return HistoryFile{Version: 1, Alerts: []Record{}}
		}),
		mutes: store.New(store.Path(stateDir, store.AlertsConfigFile), func() ConfigFile {
			return ConfigFile{Version: 1, Mutes: []Mute{}}
		}),
		bus:       bus,
		errCounts: make(map[string]int),
		now:       time.Now,
	}
}

// Send runs one alert through the pipeline and returns its history
// record. The returned error covers persistence only; channel failures
// are swallowed and counted.
func (m *Manager) Send(ctx context.Context, severity Severity, source, title, message string, metadata map[string]string) (Record, error) {
	now := m.now().UTC()
	rec := Record{
		ID:       ulid.Make().String(),
		Severity: severity,
		Source:   source,
		Title:    title,
		Message:  message,
		Metadata: metadata,
		At:       now,
	}

	// 1. Prune expired mutes, then match the survivors
	muted, err := m.matchMute(rec, now)
	if err != nil {
		return Record{}, err
	}

	// 2. Duplicate suppression inside the window
	if !muted {
		dup, derr := m.isDuplicate(rec, now)
		if derr != nil {
			return Record{}, derr
		}
		if dup {
			rec.Reason = ReasonDuplicate
		}
	} else {
		rec.Reason = ReasonMuted
	}

	// 3. Fan out only when nothing suppressed it
	if rec.Reason == "" {
		for _, ch := range m.channels {
			if err := ch.Send(ctx, rec); err != nil {
				m.countError(ch.Name())
				continue
			}
			rec.Channels = append(rec.Channels, ch.Name())
		}
		rec.Dispatched = len(rec.Channels) > 0
	}

	// 4. Record in history regardless of outcome
	if err := m.history.Update(func(f *HistoryFile) error {
		f.Alerts = store.AppendCapped(f.Alerts, rec, m.cfg.HistoryCap)
		return nil
	}); err != nil {
		return Record{}, err
	}

	if rec.Dispatched {
		m.emit(events.NewEvent(events.AlertDispatched, "").WithPayload(map[string]any{
			"id":       rec.ID,
			"severity": string(rec.Severity),
			"title":    rec.Title,
			"channels": rec.Channels,
		}))
	} else {
		m.emit(events.NewEvent(events.AlertSuppressed, "").WithPayload(map[string]any{
			"id":     rec.ID,
			"title":  rec.Title,
			"reason": rec.Reason,
		}))
	}
	return rec, nil
}

// History returns up to limit alerts, newest first. Zero means all.
func (m *Manager) History(limit int) ([]Record, error) {
	f, err := m.history.Load()
	if err != nil {
		return nil, err
	}

	var out []Record
	for i := len(f.Alerts) - 1; i >= 0; i-- {
		out = append(out, f.Alerts[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Mute suppresses matching alerts for durationMs. A duration of zero
// or less adds nothing and just prunes expired mutes.
func (m *Manager) Mute(pattern string, durationMs int64) error {
	now := m.now().UTC()
	return m.mutes.Update(func(f *ConfigFile) error {
		f.Mutes = pruneMutes(f.Mutes, now)
		if durationMs > 0 && pattern != "" {
			f.Mutes = append(f.Mutes, Mute{
				Pattern:   pattern,
				ExpiresAt: now.Add(time.Duration(durationMs) * time.Millisecond),
			})
		}
		return nil
	})
}

// Mutes returns the active mute list.
func (m *Manager) Mutes() ([]Mute, error) {
	f, err := m.mutes.Load()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	return pruneMutes(f.Mutes, now), nil
}

// ChannelErrors returns per-channel delivery failure counts.
func (m *Manager) ChannelErrors() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.errCounts))
	for k, v := range m.errCounts {
		out[k] = v
	}
	return out
}

// matchMute prunes expired mutes, persists the prune if anything was
// dropped, and reports whether the alert matches a live mute.
func (m *Manager) matchMute(rec Record, now time.Time) (bool, error) {
	matched := false
	err := m.mutes.Update(func(f *ConfigFile) error {
		f.Mutes = pruneMutes(f.Mutes, now)
		for _, mu := range f.Mutes {
			if muteMatches(mu.Pattern, rec) {
				matched = true
				break
			}
		}
		return nil
	})
	return matched, err
}

// isDuplicate reports whether an identical alert landed inside the
// dedup window.
func (m *Manager) isDuplicate(rec Record, now time.Time) (bool, error) {
	f, err := m.history.Load()
	if err != nil {
		return false, err
	}

	cutoff := now.Add(-dedupWindow)
	for i := len(f.Alerts) - 1; i >= 0; i-- {
		prev := f.Alerts[i]
		if prev.At.Before(cutoff) {
			break
		}
		if prev.Title == rec.Title && prev.Source == rec.Source && prev.Severity == rec.Severity {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) countError(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errCounts[channel]++
}

func (m *Manager) emit(e events.Event) {
	if m.bus != nil {
		m.bus.Emit(e)
	}
}

// muteMatches does a case-insensitive substring match over title,
// source, and message.
func muteMatches(pattern string, rec Record) bool {
	p := strings.ToLower(pattern)
	if p == "" {
		return false
	}
	return strings.Contains(strings.ToLower(rec.Title), p) ||
		strings.Contains(strings.ToLower(rec.Source), p) ||
		strings.Contains(strings.ToLower(rec.Message), p)
}

// pruneMutes filters into a fresh slice: the input aliases the store's
// cached document, so compacting it in place would corrupt the cache.
func pruneMutes(mutes []Mute, now time.Time) []Mute {
	out := make([]Mute, 0, len(mutes))
	for _, mu := range mutes {
		if mu.ExpiresAt.After(now) {
			out = append(out, mu)
		}
	}
	return out
}
