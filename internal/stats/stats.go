// Package stats records usage statistics for completed chat requests
// and serves the aggregate queries behind the admin dashboard.
// Recording is fire-and-forget: a stats failure never propagates back
// into the dispatch path.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/openchat-hq/keyrelay/internal/store"
)

const (
	statsKey = "stats:global"

	// rollingWindow is how many recent response times feed the
	// average.
	rollingWindow = 100
)

// Snapshot is the persisted aggregate document.
type Snapshot struct {
	TotalMessages     int64            `json:"total_messages"`
	TotalChats        int64            `json:"total_chats"`
	MessagesByDate    map[string]int64 `json:"messages_by_date"`
	MessagesByModel   map[string]int64 `json:"messages_by_model"`
	LastUpdated       *time.Time       `json:"last_updated"`
	AverageResponseMs int64            `json:"average_response_ms"`
	ResponseTimesMs   []int64          `json:"response_times_ms"`
}

// DayCount is one point of the daily message trend.
type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// ModelCount is one entry of the model usage ranking.
type ModelCount struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

// Recorder persists statistics in the store under a single document.
// Updates are read-modify-write; concurrent recorders may lose the odd
// increment, which is acceptable for dashboard counters.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	// Serializes updates within this process.
	mu sync.Mutex
}

// NewRecorder creates a stats recorder.
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  s,
		logger: logger.With("component", "stats"),
		now:    time.Now,
	}
}

// NotifyCompletion records one completed chat request. It blocks only
// for the store round-trip and swallows failures.
func (r *Recorder) NotifyCompletion(model string, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.update(ctx, func(s *Snapshot) {
		s.TotalMessages++
		day := r.now().UTC().Format("2006-01-02")
		s.MessagesByDate[day]++
		s.MessagesByModel[model]++

		s.ResponseTimesMs = append(s.ResponseTimesMs, latency.Milliseconds())
		if len(s.ResponseTimesMs) > rollingWindow {
			s.ResponseTimesMs = s.ResponseTimesMs[len(s.ResponseTimesMs)-rollingWindow:]
		}
		var sum int64
		for _, ms := range s.ResponseTimesMs {
			sum += ms
		}
		s.AverageResponseMs = sum / int64(len(s.ResponseTimesMs))
	})
	if err != nil {
		r.logger.Warn("stats update failed", "model", model, "error", err)
	}
}

// IncrementChats counts a newly started conversation.
func (r *Recorder) IncrementChats(ctx context.Context) error {
	return r.update(ctx, func(s *Snapshot) {
		s.TotalChats++
	})
}

// Snapshot returns the current aggregate document.
func (r *Recorder) Snapshot(ctx context.Context) (*Snapshot, error) {
	return r.read(ctx)
}

// Trend returns the message counts of the last days, oldest first.
// Days without traffic appear with a zero count.
func (r *Recorder) Trend(ctx context.Context, days int) ([]DayCount, error) {
	snap, err := r.read(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]DayCount, 0, days)
	today := r.now().UTC()
	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		out = append(out, DayCount{Date: day, Count: snap.MessagesByDate[day]})
	}
	return out, nil
}

// TopModels returns the most used models, descending, capped at limit.
func (r *Recorder) TopModels(ctx context.Context, limit int) ([]ModelCount, error) {
	snap, err := r.read(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ModelCount, 0, len(snap.MessagesByModel))
	for model, count := range snap.MessagesByModel {
		out = append(out, ModelCount{Model: model, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Model < out[j].Model
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset clears all counters.
func (r *Recorder) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := newSnapshot()
	updated := r.now().UTC()
	snap.LastUpdated = &updated
	return r.write(ctx, snap)
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		MessagesByDate:  make(map[string]int64),
		MessagesByModel: make(map[string]int64),
	}
}

func (r *Recorder) read(ctx context.Context) (*Snapshot, error) {
	raw, err := r.store.Get(ctx, statsKey)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	if raw == nil {
		return newSnapshot(), nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	if snap.MessagesByDate == nil {
		snap.MessagesByDate = make(map[string]int64)
	}
	if snap.MessagesByModel == nil {
		snap.MessagesByModel = make(map[string]int64)
	}
	return &snap, nil
}

func (r *Recorder) write(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := r.store.Put(ctx, statsKey, raw, 0); err != nil {
		return fmt.Errorf("store stats: %w", err)
	}
	return nil
}

func (r *Recorder) update(ctx context.Context, apply func(*Snapshot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.read(ctx)
	if err != nil {
		return err
	}
	apply(snap)
	updated := r.now().UTC()
	snap.LastUpdated = &updated
	return r.write(ctx, snap)
}
