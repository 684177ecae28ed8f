package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Round stages observed by the task runtime.
const (
	StageSendToFirstEvent = "send_to_first_event"
	StageSendToPlan       = "send_to_plan"
	StageSendToEnd        = "send_to_end"
	StageReplyToResume    = "reply_to_resume"
)

type RoundStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type RoundIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type RoundSnapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	WindowSize  int               `json:"window_size"`
	Stages      []RoundStageStats `json:"stages"`
	Indicators  []RoundIndicator  `json:"indicators,omitempty"`
}

// roundWindow keeps the last maxSamples durations per stage in a ring.
type roundWindow struct {
	mu         sync.RWMutex
	maxSamples int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	values []float64
	next   int
	size   int
}

func newRoundWindow(maxSamples int) *roundWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &roundWindow{
		maxSamples: maxSamples,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *roundWindow) Observe(stage string, d time.Duration) {
	stage = strings.TrimSpace(stage)
	if stage == "" || d < 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.rings[stage] = r
	}
	r.values[r.next] = ms
	r.next = (r.next + 1) % len(r.values)
	if r.size < len(r.values) {
		r.size++
	}
}

func (w *roundWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *roundWindow) Snapshot() RoundSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := RoundSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      make([]RoundStageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		if r.size == 0 {
			continue
		}
		last := r.values[(r.next-1+len(r.values))%len(r.values)]
		samples := slices.Clone(r.values[:r.size])
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		out.Stages = append(out.Stages, RoundStageStats{
			Stage:       stage,
			Samples:     r.size,
			LastMS:      round2(last),
			AvgMS:       round2(sum / float64(r.size)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			MaxMS:       round2(samples[len(samples)-1]),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			out.Indicators = append(out.Indicators, RoundIndicator{Name: name, Count: n})
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageSendToFirstEvent:
		return 1500
	case StageSendToPlan:
		return 20000
	case StageReplyToResume:
		return 3000
	default:
		return 0
	}
}
