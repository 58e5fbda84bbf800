// Package viewers combines per-platform viewer counts into one displayed total.
package viewers

import (
	"strings"
	"sync"

	"github.com/john/chatnexus/internal/telemetry"
)

type Mode string

const (
	All     Mode = "all"
	Include Mode = "include"
	Exclude Mode = "exclude"
)

// ParseMode reads a mode name case-insensitively. Anything unrecognised
// means All.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Include:
		return Include
	case Exclude:
		return Exclude
	default:
		return All
	}
}

// Aggregate sums counts under mode. Include keeps only the listed platforms,
// exclude drops them. Negative counts count as zero.
func Aggregate(counts map[string]int, mode Mode, platforms []string) int {
	listed := make(map[string]bool, len(platforms))
	for _, p := range platforms {
		listed[strings.ToLower(p)] = true
	}
	total := 0
	for platform, n := range counts {
		if n < 0 {
			continue
		}
		in := listed[strings.ToLower(platform)]
		switch mode {
		case Include:
			if !in {
				continue
			}
		case Exclude:
			if in {
				continue
			}
		}
		total += n
	}
	return max(total, 0)
}

// Aggregator keeps the last known count for each platform.
type Aggregator struct {
	mode      Mode
	platforms []string

	mu     sync.Mutex
	counts map[string]int
}

func NewAggregator(mode Mode, platforms []string) *Aggregator {
	return &Aggregator{mode: mode, platforms: platforms, counts: map[string]int{}}
}

// Update records n for platform and reports whether the stored value changed.
func (a *Aggregator) Update(platform string, n int) bool {
	n = max(n, 0)
	a.mu.Lock()
	defer a.mu.Unlock()
	old, ok := a.counts[platform]
	a.counts[platform] = n
	telemetry.ViewersTotal.Set(float64(Aggregate(a.counts, a.mode, a.platforms)))
	return !ok || old != n
}

// Replace swaps in a full snapshot, as the relay broadcasts it, and reports
// whether anything changed.
func (a *Aggregator) Replace(counts map[string]int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := len(counts) != len(a.counts)
	next := make(map[string]int, len(counts))
	for p, n := range counts {
		n = max(n, 0)
		if old, ok := a.counts[p]; !ok || old != n {
			changed = true
		}
		next[p] = n
	}
	a.counts = next
	telemetry.ViewersTotal.Set(float64(Aggregate(a.counts, a.mode, a.platforms)))
	return changed
}

// Total is the aggregate under the configured filter.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Aggregate(a.counts, a.mode, a.platforms)
}

// Counts returns a copy of the per-platform counts.
func (a *Aggregator) Counts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.counts))
	for p, n := range a.counts {
		out[p] = n
	}
	return out
}
