// Package pick implements pick deduplication, formatting, and the
// append-only pick log.
package pick

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimeLayout renders pick times with a fixed six-digit fractional
// second, the format both the pick log and the event bus payload use.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Pick is one detected phase arrival.
type Pick struct {
	Network     string
	Station     string
	Channel     string
	Phase       string // "P" | "S"
	Time        time.Time
	Probability float32
}

type pickJSON struct {
	Network     string  `json:"network"`
	Station     string  `json:"station"`
	Phase       string  `json:"phase"`
	Time        string  `json:"time"`
	Probability float32 `json:"probability"`
	Channel     string  `json:"channel"`
}

// MarshalJSON emits the wire shape consumed by the event bus.
func (p Pick) MarshalJSON() ([]byte, error) {
	return json.Marshal(pickJSON{
		Network:     p.Network,
		Station:     p.Station,
		Phase:       p.Phase,
		Time:        p.Time.UTC().Format(TimeLayout),
		Probability: p.Probability,
		Channel:     p.Channel,
	})
}

// FormatLine renders the pick-log line format:
// "NET STA PHASE ISO8601_TIME PROB.4f CHANNEL".
func FormatLine(p Pick) string {
	return fmt.Sprintf("%s %s %s %s %.4f %s",
		p.Network, p.Station, p.Phase, p.Time.UTC().Format(TimeLayout), p.Probability, p.Channel)
}

// dedupGapSeconds is the time span, in seconds, from a group's first
// pick within which later same-phase picks of a single window
// invocation are merged into that group.
const dedupGapSeconds = 0.5

// Dedup sorts picks stably by time and collapses consecutive runs of
// the same phase that lie less than 0.5s after the run's first pick,
// keeping only the highest-probability pick from each run.
func Dedup(picks []Pick) []Pick {
	if len(picks) == 0 {
		return nil
	}

	sorted := make([]Pick, len(picks))
	copy(sorted, picks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	var out []Pick
	groupStart := 0
	flush := func(end int) {
		best := sorted[groupStart]
		for i := groupStart + 1; i < end; i++ {
			if sorted[i].Probability > best.Probability {
				best = sorted[i]
			}
		}
		out = append(out, best)
	}

	// Gaps are measured against the group's anchor (its first member),
	// not the previous pick: a chain of sub-threshold gaps does not
	// transitively merge once the span from the anchor reaches 0.5s.
	for i := 1; i < len(sorted); i++ {
		samePhase := sorted[i].Phase == sorted[groupStart].Phase
		gap := sorted[i].Time.Sub(sorted[groupStart].Time).Seconds()
		if samePhase && gap < dedupGapSeconds {
			continue
		}
		flush(i)
		groupStart = i
	}
	flush(len(sorted))

	return out
}

// Log is an append-only pick log file; all writes are serialized by a
// single mutex.
type Log struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// OpenLog opens (creating if necessary) the pick log file for appending.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pick: open log: %w", err)
	}
	return &Log{path: path, file: f}, nil
}

// Append writes one formatted pick line, guarded by the log's mutex.
func (l *Log) Append(p Pick) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintln(l.file, FormatLine(p))
	return err
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// bucketKey derives a deterministic, comparable key for the
// network/station/phase triple. It is a name-based (SHA-1) UUID, not a
// random identifier: a fixed-size comparable key derived from the
// triple.
func bucketKey(network, station, phase string) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte(network+"|"+station+"|"+phase))
}

type recentEntry struct {
	key  uuid.UUID
	time time.Time
}

// RecentLRU suppresses duplicate picks emitted by overlapping inference
// windows: a pick within `window` of a previously recorded same-phase
// pick is considered a duplicate.
type RecentLRU struct {
	mu      sync.Mutex
	window  time.Duration
	size    int
	entries []recentEntry
}

// NewRecentLRU creates an LRU retaining up to size most-recent picks in
// total, across all buckets, used to suppress duplicates within window
// of each other.
func NewRecentLRU(window time.Duration, size int) *RecentLRU {
	if size < 1 {
		size = 1
	}
	return &RecentLRU{window: window, size: size}
}

// SeenRecently reports whether a same-phase pick for the same
// network/station was already recorded within the dedup window.
func (r *RecentLRU) SeenRecently(p Pick) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := bucketKey(p.Network, p.Station, p.Phase)
	for _, e := range r.entries {
		if e.key != key {
			continue
		}
		delta := p.Time.Sub(e.time)
		if delta < 0 {
			delta = -delta
		}
		if delta < r.window {
			return true
		}
	}
	return false
}

// Record adds p to the LRU, evicting the oldest entry if at capacity.
func (r *RecentLRU) Record(p Pick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := bucketKey(p.Network, p.Station, p.Phase)
	r.entries = append(r.entries, recentEntry{key: key, time: p.Time})
	if len(r.entries) > r.size {
		r.entries = r.entries[len(r.entries)-r.size:]
	}
}
