package pick

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func at(t *testing.T, offset time.Duration) time.Time {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(offset)
}

func TestDedupGroupsWithinGapKeepsMax(t *testing.T) {
	picks := []Pick{
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0), Probability: 0.97},
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 200*time.Millisecond), Probability: 0.99},
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 400*time.Millisecond), Probability: 0.95},
	}
	out := Dedup(picks)
	if len(out) != 1 {
		t.Fatalf("len = %d, want 1", len(out))
	}
	if out[0].Probability != 0.99 {
		t.Fatalf("probability = %v, want 0.99", out[0].Probability)
	}
}

// TestDedupAnchorBasedGrouping: {(P,t), (P,t+0.3, higher_prob),
// (P,t+0.6)} must yield exactly two picks, the middle one and the
// last, since the group anchor is the first member and
// t+0.6 is 0.6s from t (over the 0.5s threshold) even though each
// successive pairwise gap is only 0.3s.
func TestDedupAnchorBasedGrouping(t *testing.T) {
	picks := []Pick{
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0), Probability: 0.8},
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 300*time.Millisecond), Probability: 0.95},
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 600*time.Millisecond), Probability: 0.7},
	}
	out := Dedup(picks)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2 (out=%+v)", len(out), out)
	}
	if !out[0].Time.Equal(at(t, 300*time.Millisecond)) {
		t.Fatalf("out[0].Time = %v, want the middle pick's time", out[0].Time)
	}
	if !out[1].Time.Equal(at(t, 600*time.Millisecond)) {
		t.Fatalf("out[1].Time = %v, want the last pick's time", out[1].Time)
	}
}

func TestDedupSeparatesOnBigGap(t *testing.T) {
	picks := []Pick{
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0), Probability: 0.97},
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 2*time.Second), Probability: 0.99},
	}
	out := Dedup(picks)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestDedupSeparatesOnDifferentPhase(t *testing.T) {
	picks := []Pick{
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0), Probability: 0.97},
		{Network: "XX", Station: "AA", Phase: "S", Time: at(t, 200*time.Millisecond), Probability: 0.99},
	}
	out := Dedup(picks)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestDedupUnsortedInput(t *testing.T) {
	picks := []Pick{
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 2*time.Second), Probability: 0.9},
		{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0), Probability: 0.8},
	}
	out := Dedup(picks)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if !out[0].Time.Before(out[1].Time) {
		t.Fatalf("output not time-ordered: %v, %v", out[0].Time, out[1].Time)
	}
}

func TestDedupEmpty(t *testing.T) {
	if out := Dedup(nil); out != nil {
		t.Fatalf("Dedup(nil) = %v, want nil", out)
	}
}

func TestFormatLine(t *testing.T) {
	p := Pick{
		Network:     "XX",
		Station:     "AA",
		Channel:     "HHZ",
		Phase:       "P",
		Time:        time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Probability: 0.987654,
	}
	line := FormatLine(p)
	want := "XX AA P 2026-01-01T12:00:00.000000Z 0.9877 HHZ"
	if line != want {
		t.Fatalf("FormatLine = %q, want %q", line, want)
	}
}

func TestMarshalJSON(t *testing.T) {
	p := Pick{
		Network:     "XX",
		Station:     "AA",
		Channel:     "HHZ",
		Phase:       "S",
		Time:        time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Probability: 0.5,
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, field := range []string{"network", "station", "phase", "time", "probability", "channel"} {
		if _, ok := m[field]; !ok {
			t.Errorf("missing field %q in %s", field, b)
		}
	}
}

func TestLogAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "picks.log")
	log, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer log.Close()

	p := Pick{Network: "XX", Station: "AA", Channel: "HHZ", Phase: "P", Time: at(t, 0), Probability: 0.9}
	if err := log.Append(p); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("log file is empty")
	}
}

func TestRecentLRUSuppressesWithinWindow(t *testing.T) {
	lru := NewRecentLRU(250*time.Millisecond, 16)
	p1 := Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0)}
	lru.Record(p1)

	p2 := Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 100*time.Millisecond)}
	if !lru.SeenRecently(p2) {
		t.Fatalf("SeenRecently: want true for pick within window")
	}

	p3 := Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 400*time.Millisecond)}
	if lru.SeenRecently(p3) {
		t.Fatalf("SeenRecently: want false for pick outside window")
	}
}

func TestRecentLRUDifferentBucketNotSuppressed(t *testing.T) {
	lru := NewRecentLRU(250*time.Millisecond, 16)
	lru.Record(Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0)})

	other := Pick{Network: "XX", Station: "BB", Phase: "P", Time: at(t, 10*time.Millisecond)}
	if lru.SeenRecently(other) {
		t.Fatalf("SeenRecently: want false for different station")
	}
}

func TestRecentLRUEvictsOldest(t *testing.T) {
	lru := NewRecentLRU(time.Second, 2)
	lru.Record(Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 0)})
	lru.Record(Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 10*time.Second)})
	lru.Record(Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 20*time.Second)})

	// The first entry should have been evicted; a pick close to it is no
	// longer considered a duplicate.
	stale := Pick{Network: "XX", Station: "AA", Phase: "P", Time: at(t, 1*time.Millisecond)}
	if lru.SeenRecently(stale) {
		t.Fatalf("SeenRecently: want false, oldest entry should have been evicted")
	}
}
