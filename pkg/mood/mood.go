// Package mood keeps each user's recent mood journal.
package mood

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// DefaultKeyPrefix namespaces persisted journals.
const DefaultKeyPrefix = "mindcare:mood:"

// MaxEntries is how many entries a journal keeps.
const MaxEntries = 30

// TrendWindow is how many recent entries Trend averages.
const TrendWindow = 7

// ErrInvalidEntry is returned for entries outside the 1..10 scales
var ErrInvalidEntry = errors.New("invalid mood entry")

// Entry is one check-in. Mood, Anxiety and Energy are on a 1..10 scale.
type Entry struct {
	Date      string    `json:"date"`
	Timestamp time.Time `json:"timestamp"`
	Mood      int       `json:"mood"`
	Anxiety   int       `json:"anxiety"`
	Energy    int       `json:"energy"`
	Notes     string    `json:"notes,omitempty"`
	Emotion   string    `json:"emotion,omitempty"`
}

func (e Entry) validate() error {
	for name, v := range map[string]int{"mood": e.Mood, "anxiety": e.Anxiety, "energy": e.Energy} {
		if v < 1 || v > 10 {
			return fmt.Errorf("%w: %s %d not in 1..10", ErrInvalidEntry, name, v)
		}
	}
	return nil
}

// Gate is the slice of a usage tracker the journal needs.
type Gate interface {
	CheckUsageLimit(feature entitlement.Feature) (entitlement.Decision, error)
	TrackUsage(feature entitlement.Feature, amount int) error
	Today() string
}

// Trend summarizes recent entries.
type Trend struct {
	Entries   int     `json:"entries"`
	Mood      float64 `json:"mood"`
	Anxiety   float64 `json:"anxiety"`
	Energy    float64 `json:"energy"`
	Direction string  `json:"direction"`
}

// Journal persists entries newest first.
type Journal struct {
	store entitlement.Store
	clock entitlement.Clock

	mu sync.Mutex
}

// NewJournal creates a journal over store.
func NewJournal(store entitlement.Store, clock entitlement.Clock) (*Journal, error) {
	if store == nil {
		return nil, entitlement.ErrStorageUnavailable
	}
	if clock == nil {
		clock = entitlement.SystemClock{}
	}
	return &Journal{store: store, clock: clock}, nil
}

// Add records an entry dated in the user's calendar day and counts one
// moodTracking use. A use that cannot be recorded saves nothing.
func (j *Journal) Add(ctx context.Context, gate Gate, userID string, e Entry) (Entry, error) {
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	d, err := gate.CheckUsageLimit(entitlement.FeatureMoodTracking)
	if err != nil {
		return Entry{}, err
	}
	if !d.Allowed {
		return Entry{}, entitlement.ErrQuotaExceeded
	}

	// A rejected use must not leave an entry behind.
	if err := gate.TrackUsage(entitlement.FeatureMoodTracking, 1); err != nil {
		return Entry{}, err
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock.Now().UTC()
	}
	e.Date = gate.Today()

	j.mu.Lock()
	entries, err := j.load(ctx, userID)
	if err == nil {
		entries = append([]Entry{e}, entries...)
		if len(entries) > MaxEntries {
			entries = entries[:MaxEntries]
		}
		err = j.save(ctx, userID, entries)
	}
	j.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// List returns up to n entries, newest first. n <= 0 returns all.
func (j *Journal) List(ctx context.Context, userID string, n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Trend averages the last TrendWindow entries and compares them with the
// window before: a mood change of at least half a point is a direction.
func (j *Journal) Trend(ctx context.Context, userID string) (Trend, error) {
	entries, err := j.List(ctx, userID, 2*TrendWindow)
	if err != nil {
		return Trend{}, err
	}

	recent := entries
	if len(recent) > TrendWindow {
		recent = recent[:TrendWindow]
	}
	t := average(recent)
	t.Direction = "stable"

	if len(entries) > TrendWindow {
		prev := average(entries[TrendWindow:])
		switch diff := t.Mood - prev.Mood; {
		case diff >= 0.5:
			t.Direction = "improving"
		case diff <= -0.5:
			t.Direction = "declining"
		}
	}
	return t, nil
}

func average(entries []Entry) Trend {
	t := Trend{Entries: len(entries)}
	if len(entries) == 0 {
		return t
	}
	for _, e := range entries {
		t.Mood += float64(e.Mood)
		t.Anxiety += float64(e.Anxiety)
		t.Energy += float64(e.Energy)
	}
	n := float64(len(entries))
	t.Mood /= n
	t.Anxiety /= n
	t.Energy /= n
	return t
}

func (j *Journal) load(ctx context.Context, userID string) ([]Entry, error) {
	data, err := j.store.Get(ctx, DefaultKeyPrefix+userID)
	if errors.Is(err, entitlement.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load journal %s: %w", userID, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &entitlement.CorruptStateError{Key: DefaultKeyPrefix + userID, Err: err}
	}
	return entries, nil
}

func (j *Journal) save(ctx context.Context, userID string, entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := j.store.Set(ctx, DefaultKeyPrefix+userID, data); err != nil {
		return &entitlement.PersistenceError{Key: DefaultKeyPrefix + userID, Err: err}
	}
	return nil
}
