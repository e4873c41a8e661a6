// Package supervisor composes the three long-lived tasks (FIFO intake,
// periodic inference, periodic stats reporter) that make up the
// station's data plane: one context, a goroutine per task, joined on
// shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"seisdaq/station/buffer"
	"seisdaq/station/bus"
	"seisdaq/station/config"
	"seisdaq/station/dsp"
	"seisdaq/station/gpd"
	"seisdaq/station/intake"
	"seisdaq/station/pick"
)

const (
	reporterInterval = 60 * time.Second
	dedupWindow      = 250 * time.Millisecond
	dedupLRUSize     = 64
)

// Supervisor owns the buffer and the wiring between tasks. It is
// constructed once at startup; Run blocks until ctx is cancelled or an
// unrecoverable task error occurs.
type Supervisor struct {
	cfg    config.Config
	logger *slog.Logger

	buf          *buffer.Buffer
	intakeStats  *intake.Stats
	gpdStats     *gpd.Stats
	reader       *intake.Reader
	engine       *gpd.Engine
	pickLog      *pick.Log
	publisher    *bus.Publisher
	recentPicks  *pick.RecentLRU
	windowMeta   gpd.WindowMeta
	picksEmitted atomic.Uint64
}

// New constructs a Supervisor: it opens the pick log, connects the
// event bus (if configured), and binds interp as the inference
// engine's exclusive owner. Any failure here is fatal at startup; New
// returns the error for main to act on rather than calling os.Exit
// itself.
func New(cfg config.Config, interp gpd.Interpreter, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	buf := buffer.New(cfg.Capacity)

	pickLog, err := pick.OpenLog(cfg.PickLogPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open pick log: %w", err)
	}

	var publisher *bus.Publisher
	if cfg.MQTT.Broker != "" {
		publisher, err = bus.Connect(cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password, cfg.Station.Station, logger.With("component", "bus"))
		if err != nil {
			pickLog.Close()
			return nil, fmt.Errorf("supervisor: connect event bus: %w", err)
		}
	}

	intakeStats := &intake.Stats{}
	gpdStats := &gpd.Stats{}

	gpdCfg := gpd.Config{
		BatchSize:    cfg.Inference.BatchSize,
		OnThreshold:  cfg.Inference.MinProbability,
		OffThreshold: 0.10,
	}
	engine := gpd.NewEngine(interp, gpdCfg, gpdStats)

	meta := gpd.WindowMeta{Network: cfg.Station.Network, Station: cfg.Station.Station}

	s := &Supervisor{
		cfg:         cfg,
		logger:      logger,
		buf:         buf,
		intakeStats: intakeStats,
		gpdStats:    gpdStats,
		engine:      engine,
		pickLog:     pickLog,
		publisher:   publisher,
		recentPicks: pick.NewRecentLRU(dedupWindow, dedupLRUSize),
		windowMeta:  meta,
	}

	s.reader = intake.New(cfg.FIFOPath, buf.Push, intakeStats, logger.With("component", "intake"))

	return s, nil
}

// Run starts the reader, then inference, then the reporter, and blocks
// until ctx is cancelled. A reader failure propagates and cancels the
// whole group; an inference failure is caught and logged per iteration
// without aborting the group.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.publisher != nil {
		if err := s.publisher.Online(); err != nil {
			s.logger.Warn("supervisor: publish online status failed", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.reader.Run(gctx)
	})
	g.Go(func() error {
		s.runInference(gctx)
		return nil
	})
	g.Go(func() error {
		s.runReporter(gctx)
		return nil
	})

	err := g.Wait()

	s.shutdown()
	return err
}

// shutdown: the reader's fd is already closed by its own ctx.Done()
// handler; here we publish the final offline status, flush stats, and
// close owned resources.
func (s *Supervisor) shutdown() {
	s.reader.Stop()

	if s.publisher != nil {
		if err := s.publisher.Offline(); err != nil {
			s.logger.Warn("supervisor: publish offline status failed", "err", err)
		}
		if err := s.publisher.Close(); err != nil {
			s.logger.Warn("supervisor: close event bus failed", "err", err)
		}
	}

	s.logStats()

	if err := s.pickLog.Close(); err != nil {
		s.logger.Warn("supervisor: close pick log failed", "err", err)
	}
}

// runInference waits inference_interval_seconds, extracts a window,
// and runs it through preprocessing, the GPD engine, and the pick
// postprocessor. Any failure in one iteration is logged and the task
// continues at the next tick.
func (s *Supervisor) runInference(ctx context.Context) {
	interval := time.Duration(s.cfg.Inference.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runInferenceOnce()
		}
	}
}

func (s *Supervisor) runInferenceOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("supervisor: inference task panicked, continuing", "recover", r)
		}
	}()

	w, ok := s.buf.Extract(s.cfg.Inference.WindowSeconds, nil)
	if !ok {
		return
	}

	prepared, err := dsp.Preprocess(&w, s.cfg.Inference.FreqMin, s.cfg.Inference.FreqMax)
	if err != nil {
		s.logger.Warn("supervisor: preprocess failed", "err", err)
		return
	}

	meta := s.windowMeta
	meta.Channel = s.cfg.Station.ChannelCode(0)

	picks, err := s.engine.Process(prepared, meta)
	if err != nil {
		s.logger.Warn("supervisor: inference failed", "err", err)
		return
	}

	deduped := pick.Dedup(picks)
	for _, p := range deduped {
		if s.recentPicks.SeenRecently(p) {
			continue
		}
		s.recentPicks.Record(p)
		s.emit(p)
	}
}

func (s *Supervisor) emit(p pick.Pick) {
	if s.publisher != nil {
		s.publisher.PublishPick(bus.PickPayload{
			Network:     p.Network,
			Station:     p.Station,
			Phase:       p.Phase,
			Time:        p.Time.UTC().Format(pick.TimeLayout),
			Probability: p.Probability,
			Channel:     p.Channel,
		})
	}
	if err := s.pickLog.Append(p); err != nil {
		s.logger.Warn("supervisor: append pick log failed", "err", err)
	}
	s.picksEmitted.Add(1)
}

func (s *Supervisor) runReporter(ctx context.Context) {
	ticker := time.NewTicker(reporterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Supervisor) logStats() {
	bs := s.buf.Stats()
	s.logger.Info("station stats",
		"frames_received", s.intakeStats.FramesReceived.Load(),
		"frames_invalid_size", s.intakeStats.FramesInvalidSize.Load(),
		"frames_invalid_timestamp", s.intakeStats.FramesInvalidTimestamp.Load(),
		"bytes_received", s.intakeStats.BytesReceived.Load(),
		"buffer_size", bs.Size,
		"buffer_capacity", bs.Capacity,
		"buffer_rotations", bs.Rotations,
		"picks_emitted", s.picksEmitted.Load(),
		"inference_batches", s.gpdStats.BatchesRun.Load(),
		"inference_windows", s.gpdStats.WindowsProcessed.Load(),
		"inference_wall_ns", s.gpdStats.InvokeNanos.Load(),
	)
}
