// Package intake implements the blocking FIFO reader task that feeds
// decoded frames into the circular buffer.
package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"seisdaq/station/frame"
)

// pollInterval is how long the reader sleeps between existence checks
// when the FIFO path does not yet exist.
const pollInterval = 5 * time.Second

// Stats holds atomic counters describing reader activity, safe for
// concurrent read by the supervisor's periodic reporter.
type Stats struct {
	FramesReceived         atomic.Uint64
	FramesInvalidSize      atomic.Uint64
	FramesInvalidTimestamp atomic.Uint64
	BytesReceived          atomic.Uint64
	Reopens                atomic.Uint64
}

// Reader blocks on a named FIFO, decodes fixed-size frames, and hands
// them to a sink callback. It owns the read side of the FIFO exclusively.
type Reader struct {
	path   string
	sink   func(frame.Record)
	stats  *Stats
	logger *slog.Logger

	file atomic.Pointer[os.File]
}

// New creates a Reader for the given FIFO path. onFrame is invoked for
// every successfully decoded frame; it must not block meaningfully since
// it runs on the reader's own goroutine.
func New(path string, onFrame func(frame.Record), stats *Stats, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Reader{
		path:   path,
		sink:   onFrame,
		stats:  stats,
		logger: logger,
	}
}

// Run executes the read loop described by the FIFO protocol: poll for
// existence, open, read exactly Size bytes per frame, reopen on EOF, and
// discard (without resync) any short read. It returns when ctx is
// cancelled or an unrecoverable error occurs.
func (r *Reader) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		f, err := r.openWhenReady(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if f == nil {
			return nil // context cancelled while waiting
		}
		r.file.Store(f)

		eof := r.readLoop(ctx, f)
		f.Close()
		r.file.Store(nil)
		if !eof {
			return nil // cancelled mid-loop
		}
		r.stats.Reopens.Add(1)
		r.logger.Info("fifo writer disconnected, reopening", "path", r.path)
	}
}

// openWhenReady polls for the FIFO's existence and opens it for reading.
// The actual open runs on its own goroutine since it blocks until a
// writer appears; openWhenReady races that against ctx so a shutdown
// request is never stuck waiting on a writer that never comes.
func (r *Reader) openWhenReady(ctx context.Context) (*os.File, error) {
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		if _, err := os.Stat(r.path); err != nil {
			if os.IsNotExist(err) {
				select {
				case <-ctx.Done():
					return nil, nil
				case <-time.After(pollInterval):
					continue
				}
			}
			return nil, err
		}

		type result struct {
			f   *os.File
			err error
		}
		ch := make(chan result, 1)
		go func() {
			f, err := os.OpenFile(r.path, os.O_RDONLY, 0)
			ch <- result{f, err}
		}()

		select {
		case res := <-ch:
			if res.err != nil {
				return nil, res.err
			}
			return res.f, nil
		case <-ctx.Done():
			// The goroutine above is left to finish the open on its own;
			// if a writer does show up later the resulting fd is closed
			// immediately since nothing reads from it.
			go func() {
				if res := <-ch; res.f != nil {
					res.f.Close()
				}
			}()
			return nil, nil
		}
	}
}

// readLoop reads frames until EOF (writer disconnect, returns true) or
// until ctx is cancelled (returns false).
func (r *Reader) readLoop(ctx context.Context, f *os.File) bool {
	buf := make([]byte, frame.Size)

	for {
		if ctx.Err() != nil {
			return false
		}

		n, err := io.ReadFull(f, buf)
		if n > 0 {
			r.stats.BytesReceived.Add(uint64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if n > 0 {
					r.stats.FramesInvalidSize.Add(1)
				}
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			r.logger.Warn("fifo read error", "path", r.path, "err", err)
			return true
		}
		r.stats.FramesReceived.Add(1)

		rec, err := frame.Decode(buf)
		if err != nil {
			r.stats.FramesInvalidTimestamp.Add(1)
			r.logger.Warn("frame rejected", "path", r.path, "err", err)
			continue
		}
		r.sink(rec)
	}
}

// Stop closes the underlying file descriptor, unblocking any in-progress
// read. Safe to call once Run has returned or concurrently with it.
func (r *Reader) Stop() {
	if f := r.file.Load(); f != nil {
		f.Close()
	}
}
