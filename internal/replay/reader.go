// Package replay reads a finished MCAP log back and republishes its
// messages on the bus, reproducing the original inter-message cadence.
package replay

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/foxglove/mcap/go/mcap"
)

// Errors fatal for a replay invocation, reported before any publish.
var (
	ErrEmptyLog     = errors.New("log file contains no messages")
	ErrInvalidRange = errors.New("invalid replay time range")
)

// Window restricts a replay to a topic subset and/or time range. Zero
// times mean unbounded on that side.
type Window struct {
	Topics []string
	Start  time.Time
	End    time.Time
}

// Reader wraps a finished log file. Messages can be called repeatedly;
// each call opens a fresh iterator over the same file.
type Reader struct {
	file *os.File
	r    *mcap.Reader
	info *mcap.Info
}

// Open reads the file's summary section. A file lacking it is treated as
// possibly truncated and rejected.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	r, err := mcap.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading log container: %w", err)
	}
	info, err := r.Info()
	if err != nil {
		r.Close()
		f.Close()
		return nil, fmt.Errorf("reading log summary (file may be truncated): %w", err)
	}
	return &Reader{file: f, r: r, info: info}, nil
}

// Info returns the file's summary.
func (r *Reader) Info() *mcap.Info { return r.info }

// Channels returns the channels registered in the file, keyed by id.
func (r *Reader) Channels() map[uint16]*mcap.Channel { return r.info.Channels }

// Bounds returns the log-time range of the file's messages.
func (r *Reader) Bounds() (first, last time.Time, ok bool) {
	stats := r.info.Statistics
	if stats == nil || stats.MessageCount == 0 {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(0, int64(stats.MessageStartTime)), time.Unix(0, int64(stats.MessageEndTime)), true
}

// Messages opens a fresh log-time-ordered iterator over the window.
// Returns ErrEmptyLog for a file with no messages, and ErrInvalidRange
// when the window is inverted or misses the file's time span entirely.
func (r *Reader) Messages(w Window) (mcap.MessageIterator, error) {
	first, last, ok := r.Bounds()
	if !ok {
		return nil, ErrEmptyLog
	}
	if !w.Start.IsZero() && !w.End.IsZero() && !w.Start.Before(w.End) {
		return nil, fmt.Errorf("%w: start %s >= end %s", ErrInvalidRange, w.Start, w.End)
	}
	if !w.Start.IsZero() && w.Start.After(last) {
		return nil, fmt.Errorf("%w: start %s is after the last message (%s)", ErrInvalidRange, w.Start, last)
	}
	if !w.End.IsZero() && w.End.Before(first) {
		return nil, fmt.Errorf("%w: end %s is before the first message (%s)", ErrInvalidRange, w.End, first)
	}

	opts := []mcap.ReadOpt{
		mcap.UsingIndex(true),
		mcap.InOrder(mcap.LogTimeOrder),
	}
	if len(w.Topics) > 0 {
		opts = append(opts, mcap.WithTopics(w.Topics))
	}
	if !w.Start.IsZero() {
		opts = append(opts, mcap.AfterNanos(uint64(w.Start.UnixNano())))
	}
	if !w.End.IsZero() {
		opts = append(opts, mcap.BeforeNanos(uint64(w.End.UnixNano())))
	}
	it, err := r.r.Messages(opts...)
	if err != nil {
		return nil, fmt.Errorf("opening message iterator: %w", err)
	}
	return it, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	r.r.Close()
	return r.file.Close()
}
