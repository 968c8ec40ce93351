package scoring

import (
	"math"
	"sync"
	"time"
)

// Trend describes the direction of recent composite-score movement.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// HistoryRecord is one retained composite observation.
type HistoryRecord struct {
	Score      float64
	Version    uint64
	RecordedAt time.Time
}

// History keeps a bounded rolling window of composite scores per entity.
// Volatility is the population standard deviation over the window; below the
// minimum window size it reports 0 rather than an unstable estimate.
type History struct {
	mu        sync.RWMutex
	window    int
	minWindow int
	records   map[string][]HistoryRecord
}

const (
	defaultHistoryWindow    = 30
	defaultMinVolatilityObs = 3
)

func NewHistory(window, minWindow int) *History {
	if window < 2 {
		window = defaultHistoryWindow
	}
	if minWindow < 2 {
		minWindow = defaultMinVolatilityObs
	}
	if minWindow > window {
		minWindow = window
	}
	return &History{
		window:    window,
		minWindow: minWindow,
		records:   make(map[string][]HistoryRecord),
	}
}

// Append records a composite observation, evicting the oldest entry once the
// window is full.
func (h *History) Append(entityID string, score float64, version uint64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recs := append(h.records[entityID], HistoryRecord{Score: score, Version: version, RecordedAt: at})
	if len(recs) > h.window {
		recs = recs[len(recs)-h.window:]
	}
	h.records[entityID] = recs
}

// Volatility returns the population standard deviation of the entity's
// retained composite scores, or 0 until the minimum window is reached.
func (h *History) Volatility(entityID string) float64 {
	h.mu.RLock()
	recs := h.records[entityID]
	h.mu.RUnlock()

	if len(recs) < h.minWindow {
		return 0
	}

	mean := 0.0
	for _, r := range recs {
		mean += r.Score
	}
	mean /= float64(len(recs))

	variance := 0.0
	for _, r := range recs {
		d := r.Score - mean
		variance += d * d
	}
	variance /= float64(len(recs))

	return clamp(math.Sqrt(variance))
}

// Trend compares the mean of the newer half of the window against the older
// half. Movements under the threshold report stable.
func (h *History) Trend(entityID string, threshold float64) Trend {
	h.mu.RLock()
	recs := h.records[entityID]
	h.mu.RUnlock()

	if len(recs) < 4 {
		return TrendStable
	}
	if threshold <= 0 {
		threshold = 0.05
	}

	mid := len(recs) / 2
	older, newer := 0.0, 0.0
	for _, r := range recs[:mid] {
		older += r.Score
	}
	for _, r := range recs[mid:] {
		newer += r.Score
	}
	older /= float64(mid)
	newer /= float64(len(recs) - mid)

	switch {
	case newer-older > threshold:
		return TrendRising
	case older-newer > threshold:
		return TrendFalling
	default:
		return TrendStable
	}
}

// Recent returns up to limit most recent records, newest last.
func (h *History) Recent(entityID string, limit int) []HistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	recs := h.records[entityID]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]HistoryRecord, len(recs))
	copy(out, recs)
	return out
}

// Len reports the retained record count for an entity.
func (h *History) Len(entityID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records[entityID])
}
