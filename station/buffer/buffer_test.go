package buffer

import (
	"testing"
	"time"

	"seisdaq/station/frame"
)

func segmentAt(ts time.Time, fill int32) frame.Record {
	var rec frame.Record
	rec.Timestamp = ts
	for ch := 0; ch < numChannels; ch++ {
		for i := range rec.Channels[ch] {
			rec.Channels[ch][i] = fill
		}
	}
	return rec
}

func TestPushAndExtractContiguous(t *testing.T) {
	b := New(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b.Push(segmentAt(base.Add(time.Duration(i)*time.Second), int32(i)))
	}

	end := base.Add(4 * time.Second)
	w, ok := b.Extract(5, &end)
	if !ok {
		t.Fatalf("Extract: want ok")
	}
	if !w.StartTime.Equal(base) {
		t.Fatalf("StartTime = %v, want %v", w.StartTime, base)
	}
	for i := 0; i < 5; i++ {
		got := w.Channels[0][i*samplesPerChannel]
		if got != int32(i) {
			t.Errorf("second %d: got %d, want %d", i, got, i)
		}
	}
}

// TestExtractGapFill covers scenario S3: a missing second inside the
// requested window is zero-filled rather than causing extraction to fail.
func TestExtractGapFill(t *testing.T) {
	b := New(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Push(segmentAt(base, 7))
	// second at base+1s is missing entirely
	b.Push(segmentAt(base.Add(2*time.Second), 9))

	end := base.Add(2 * time.Second)
	w, ok := b.Extract(3, &end)
	if !ok {
		t.Fatalf("Extract: want ok")
	}
	if w.Channels[0][0] != 7 {
		t.Errorf("second 0 = %d, want 7", w.Channels[0][0])
	}
	for i := 0; i < samplesPerChannel; i++ {
		if w.Channels[0][samplesPerChannel+i] != 0 {
			t.Fatalf("gap second not zero-filled at sample %d: %d", i, w.Channels[0][samplesPerChannel+i])
		}
	}
	if w.Channels[0][2*samplesPerChannel] != 9 {
		t.Errorf("second 2 = %d, want 9", w.Channels[0][2*samplesPerChannel])
	}
}

// TestOverflowEvictsOldest covers scenario S4: pushing past capacity
// discards the oldest segment rather than growing the buffer.
func TestOverflowEvictsOldest(t *testing.T) {
	b := New(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b.Push(segmentAt(base.Add(time.Duration(i)*time.Second), int32(i)))
	}

	start, end, ok := b.TimeRange()
	if !ok {
		t.Fatalf("TimeRange: want ok")
	}
	wantStart := base.Add(2 * time.Second)
	wantEnd := base.Add(4 * time.Second)
	if !start.Equal(wantStart) || !end.Equal(wantEnd) {
		t.Fatalf("range = [%v, %v], want [%v, %v]", start, end, wantStart, wantEnd)
	}

	stats := b.Stats()
	if stats.Size != 3 || stats.Capacity != 3 {
		t.Fatalf("stats = %+v, want size=3 capacity=3", stats)
	}
	if stats.Rotations != 2 {
		t.Fatalf("rotations = %d, want 2", stats.Rotations)
	}
	if stats.SegmentsPushed != 5 {
		t.Fatalf("pushed = %d, want 5", stats.SegmentsPushed)
	}
}

// TestExtractAfterOverflow drives the full S4 shape: with capacity 10
// and 15 pushes, a 10-second extraction ending at the latest segment
// returns exactly the surviving segments, while an 11-second one fails.
func TestExtractAfterOverflow(t *testing.T) {
	b := New(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		b.Push(segmentAt(base.Add(time.Duration(i)*time.Second), int32(i)))
	}

	w, ok := b.Extract(10, nil)
	if !ok {
		t.Fatalf("Extract(10): want ok")
	}
	if !w.StartTime.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("StartTime = %v, want %v", w.StartTime, base.Add(5*time.Second))
	}
	for i := 0; i < 10; i++ {
		got := w.Channels[0][i*samplesPerChannel]
		if got != int32(i+5) {
			t.Errorf("second %d: got %d, want %d", i, got, i+5)
		}
	}

	if _, ok := b.Extract(11, nil); ok {
		t.Fatalf("Extract(11): want !ok, oldest second was evicted")
	}
}

func TestExtractInsufficientHistory(t *testing.T) {
	b := New(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Push(segmentAt(base, 1))
	b.Push(segmentAt(base.Add(time.Second), 2))

	end := base.Add(time.Second)
	if _, ok := b.Extract(10, &end); ok {
		t.Fatalf("Extract: want !ok when not enough history")
	}
}

func TestExtractEmptyBuffer(t *testing.T) {
	b := New(10)
	if _, ok := b.Extract(5, nil); ok {
		t.Fatalf("Extract on empty buffer: want !ok")
	}
	if _, ok := b.LatestTime(); ok {
		t.Fatalf("LatestTime on empty buffer: want !ok")
	}
}

func TestExtractDefaultsToLatest(t *testing.T) {
	b := New(10)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		b.Push(segmentAt(base.Add(time.Duration(i)*time.Second), int32(i)))
	}
	w, ok := b.Extract(4, nil)
	if !ok {
		t.Fatalf("Extract: want ok")
	}
	if !w.StartTime.Equal(base) {
		t.Fatalf("StartTime = %v, want %v", w.StartTime, base)
	}
}
