// Package buffer implements the time-indexed circular buffer of recent
// per-second segments shared between the FIFO intake task (sole producer)
// and the inference task (sole consumer).
package buffer

import (
	"sort"
	"sync"
	"time"

	"seisdaq/station/frame"
)

const (
	samplesPerChannel = 250
	numChannels       = 3
)

// Stats is a read-only snapshot of buffer activity counters.
type Stats struct {
	SegmentsPushed int64
	Rotations      int64
	Size           int
	Capacity       int
}

// Window is a contiguous time range extracted from the buffer, materialized
// as dense per-channel int32 arrays with missing seconds zero-filled.
type Window struct {
	StartTime time.Time
	Channels  [numChannels][]int32
}

// Buffer is a fixed-capacity, mutex-guarded ring of frame.Record ordered by
// timestamp. It is not a dynamic collection with eviction semantics: the
// backing array is allocated once at New and never grows.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	segments []frame.Record // logically ordered oldest..newest once size==capacity
	head     int            // index of the oldest segment
	size     int
	pushed   int64
	rotated  int64
}

// New creates a buffer holding up to capacitySeconds segments (one segment
// per acquisition second). Default capacity is 1800 (30 minutes).
func New(capacitySeconds int) *Buffer {
	if capacitySeconds < 1 {
		capacitySeconds = 1800
	}
	return &Buffer{
		capacity: capacitySeconds,
		segments: make([]frame.Record, capacitySeconds),
	}
}

// Push appends a decoded frame to the buffer, evicting the oldest segment
// if the buffer is full. O(1) amortized.
func (b *Buffer) Push(r frame.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < b.capacity {
		idx := (b.head + b.size) % b.capacity
		b.segments[idx] = r
		b.size++
	} else {
		b.segments[b.head] = r
		b.head = (b.head + 1) % b.capacity
		b.rotated++
	}
	b.pushed++
}

// at returns the i'th oldest segment currently stored (0 <= i < size).
func (b *Buffer) at(i int) frame.Record {
	return b.segments[(b.head+i)%b.capacity]
}

// LatestTime returns the timestamp of the most recently pushed segment.
func (b *Buffer) LatestTime() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return time.Time{}, false
	}
	return b.at(b.size - 1).Timestamp, true
}

// TimeRange returns the [oldest, newest] timestamps currently stored.
func (b *Buffer) TimeRange() (start, end time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return time.Time{}, time.Time{}, false
	}
	return b.at(0).Timestamp, b.at(b.size - 1).Timestamp, true
}

// Stats returns a snapshot of the activity counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		SegmentsPushed: b.pushed,
		Rotations:      b.rotated,
		Size:           b.size,
		Capacity:       b.capacity,
	}
}

// Extract returns a Window of durationSeconds ending at end (or at the
// latest stored timestamp if end is nil). The window covers the
// durationSeconds integer seconds up to and including end's second. It
// returns ok=false if the buffer is empty or does not yet hold
// durationSeconds of data preceding end. Missing seconds within the
// window are zero-filled, never back-filled into the buffer itself.
func (b *Buffer) Extract(durationSeconds int, end *time.Time) (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 || durationSeconds < 1 {
		return Window{}, false
	}

	endTime := b.at(b.size - 1).Timestamp
	if end != nil {
		endTime = *end
	}
	startTime := endTime.Add(-time.Duration(durationSeconds-1) * time.Second)

	oldest := b.at(0).Timestamp
	if startTime.Before(oldest) {
		return Window{}, false
	}

	// segments are time-ordered (buffer invariant); binary search for the
	// first segment whose timestamp >= startTime.
	firstIdx := sort.Search(b.size, func(i int) bool {
		return !b.at(i).Timestamp.Before(startTime)
	})

	var w Window
	w.StartTime = startTime
	for ch := 0; ch < numChannels; ch++ {
		w.Channels[ch] = make([]int32, durationSeconds*samplesPerChannel)
	}

	for i := firstIdx; i < b.size; i++ {
		seg := b.at(i)
		if seg.Timestamp.Before(startTime) {
			continue
		}
		if seg.Timestamp.After(endTime) {
			break
		}
		offsetSeconds := int(seg.Timestamp.Sub(startTime) / time.Second)
		if offsetSeconds < 0 || offsetSeconds >= durationSeconds {
			continue
		}
		base := offsetSeconds * samplesPerChannel
		for ch := 0; ch < numChannels; ch++ {
			copy(w.Channels[ch][base:base+samplesPerChannel], seg.Channels[ch][:])
		}
	}

	return w, true
}
