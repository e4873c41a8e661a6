// Package gpd implements the sliding-window feature extraction,
// batched model invocation, and hysteresis trigger detection that turn
// a preprocessed window into candidate picks.
package gpd

import (
	"fmt"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/mat"

	"seisdaq/station/dsp"
	"seisdaq/station/pick"
)

const (
	nFeat       = 400
	nShift      = 10
	numChannels = 3
	numOutputs  = 3 // P, S, noise
	resampledHz = 100
)

// Interpreter is the minimal capability the model artifact must
// provide: set a batch of input tensors, run one forward pass, and read
// back the batch of output tensors. The engine never reshapes the
// interpreter between batches.
type Interpreter interface {
	SetInput(tensor []float32) error
	Invoke() error
	GetOutput() []float32
}

// Config holds the engine's fixed shape and trigger parameters.
type Config struct {
	BatchSize    int
	OnThreshold  float64
	OffThreshold float64
}

// DefaultConfig returns the engine configuration used when none is
// supplied: batch size 100, hysteresis (0.95, 0.10).
func DefaultConfig() Config {
	return Config{BatchSize: 100, OnThreshold: 0.95, OffThreshold: 0.10}
}

// WindowMeta carries the station metadata a Pick is stamped with; it is
// not present in the sample data itself.
type WindowMeta struct {
	Network string
	Station string
	Channel string
}

// Stats accumulates inference timing and throughput counters, read by
// the supervisor's periodic reporter.
type Stats struct {
	InvokeNanos      atomic.Int64
	SetInputNanos    atomic.Int64
	WindowsProcessed atomic.Uint64
	BatchesRun       atomic.Uint64
}

// Engine owns the interpreter exclusively; no other task may call it.
type Engine struct {
	interp Interpreter
	cfg    Config
	stats  *Stats
}

// NewEngine constructs an Engine bound to interp, using cfg (zero-value
// fields fall back to DefaultConfig's values) and recording activity in
// stats.
func NewEngine(interp Interpreter, cfg Config, stats *Stats) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.OnThreshold <= 0 {
		cfg.OnThreshold = def.OnThreshold
	}
	if cfg.OffThreshold <= 0 {
		cfg.OffThreshold = def.OffThreshold
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Engine{interp: interp, cfg: cfg, stats: stats}
}

// Process runs the sliding-window extraction, batched inference, and
// hysteresis trigger over one preprocessed window, returning the raw
// (not yet deduplicated) picks it finds.
func (e *Engine) Process(w dsp.PreparedWindow, meta WindowMeta) ([]pick.Pick, error) {
	m := len(w.Channels[0])
	for ch := 1; ch < numChannels; ch++ {
		if len(w.Channels[ch]) != m {
			return nil, fmt.Errorf("gpd: channel length mismatch: channel %d has %d samples, channel 0 has %d", ch, len(w.Channels[ch]), m)
		}
	}
	if m < nFeat {
		return nil, nil
	}

	numWindows := (m-nFeat)/nShift + 1
	pProb := make([]float64, numWindows)
	sProb := make([]float64, numWindows)

	batchSize := e.cfg.BatchSize
	tensorLen := batchSize * nFeat * numChannels
	staging := make([]float32, tensorLen)

	for batchStart := 0; batchStart < numWindows; batchStart += batchSize {
		for i := range staging {
			staging[i] = 0
		}
		n := batchSize
		if batchStart+n > numWindows {
			n = numWindows - batchStart
		}
		for b := 0; b < n; b++ {
			windowIdx := batchStart + b
			offset := windowIdx * nShift
			fillWindowTensor(staging[b*nFeat*numChannels:(b+1)*nFeat*numChannels], w, offset)
		}

		t0 := nowNanos()
		if err := e.interp.SetInput(staging); err != nil {
			return nil, fmt.Errorf("gpd: set input: %w", err)
		}
		e.stats.SetInputNanos.Add(nowNanos() - t0)

		t1 := nowNanos()
		if err := e.interp.Invoke(); err != nil {
			return nil, fmt.Errorf("gpd: invoke: %w", err)
		}
		e.stats.InvokeNanos.Add(nowNanos() - t1)
		e.stats.BatchesRun.Add(1)

		out := e.interp.GetOutput()
		if len(out) != batchSize*numOutputs {
			return nil, fmt.Errorf("gpd: output has %d elements, want %d", len(out), batchSize*numOutputs)
		}
		outMat := mat.NewDense(batchSize, numOutputs, toFloat64(out))
		for b := 0; b < n; b++ {
			windowIdx := batchStart + b
			pProb[windowIdx] = outMat.At(b, 0)
			sProb[windowIdx] = outMat.At(b, 1)
		}
	}

	e.stats.WindowsProcessed.Add(uint64(numWindows))

	var picks []pick.Pick
	picks = append(picks, e.trigger(pProb, "P", w.StartTime, meta)...)
	picks = append(picks, e.trigger(sProb, "S", w.StartTime, meta)...)
	return picks, nil
}

// fillWindowTensor extracts the 400-sample, per-channel-normalized
// window starting at offset from w into dst, laid out time-major with
// channel innermost ([400][3]).
func fillWindowTensor(dst []float32, w dsp.PreparedWindow, offset int) {
	var maxAbs [numChannels]float64
	for ch := 0; ch < numChannels; ch++ {
		for i := 0; i < nFeat; i++ {
			v := float64(w.Channels[ch][offset+i])
			if v < 0 {
				v = -v
			}
			if v > maxAbs[ch] {
				maxAbs[ch] = v
			}
		}
	}
	for i := 0; i < nFeat; i++ {
		for ch := 0; ch < numChannels; ch++ {
			norm := maxAbs[ch] + 1e-9
			dst[i*numChannels+ch] = float32(float64(w.Channels[ch][offset+i]) / norm)
		}
	}
}

// trigger applies the (on, off) hysteresis detector to a probability
// trace and emits one pick per onset/offset pair.
func (e *Engine) trigger(prob []float64, phase string, start int64, meta WindowMeta) []pick.Pick {
	var picks []pick.Pick
	triggered := false
	i0 := 0

	closeTrigger := func(i1 int) {
		if i1 <= i0 {
			return
		}
		best := i0
		for i := i0 + 1; i < i1; i++ {
			if prob[i] > prob[best] {
				best = i
			}
		}
		offsetSeconds := float64(best*nShift+nFeat/2) / float64(resampledHz)
		picks = append(picks, pick.Pick{
			Network:     meta.Network,
			Station:     meta.Station,
			Channel:     meta.Channel,
			Phase:       phase,
			Time:        time.Unix(start, 0).UTC().Add(time.Duration(offsetSeconds * float64(time.Second))),
			Probability: float32(prob[best]),
		})
	}

	for i, p := range prob {
		switch {
		case !triggered && p >= e.cfg.OnThreshold:
			triggered = true
			i0 = i
		case triggered && p <= e.cfg.OffThreshold:
			closeTrigger(i)
			triggered = false
		}
	}
	if triggered {
		closeTrigger(len(prob))
	}
	return picks
}

func nowNanos() int64 {
	return time.Now().UnixNano()
}

func toFloat64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = float64(v)
	}
	return out
}
