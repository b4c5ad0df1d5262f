package record

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Backpressure thresholds and sampling interval. Past the soft threshold
// the monitor warns; past the hard threshold the recorder is declared
// unable to keep up and the session is aborted rather than letting the
// queue grow without bound.
const (
	DefaultSoftLimit       = 100
	DefaultHardLimit       = 1000
	DefaultMonitorInterval = 10 * time.Second
)

// ErrOverflow is the fatal backpressure condition.
var ErrOverflow = errors.New("recorder cannot keep up with data flow")

// MonitorOptions configures a backpressure monitor.
type MonitorOptions struct {
	Queue    *Queue
	Interval time.Duration
	Soft     int
	Hard     int
	// OnOverflow is invoked once when the hard threshold is crossed. The
	// caller is expected to tear down the session and exit non-zero.
	OnOverflow func(error)
	// FrequencyOut, when non-nil, receives a per-key receive-rate report
	// each interval.
	FrequencyOut io.Writer

	Logger *slog.Logger
}

// Monitor samples queue depth on a fixed interval and accumulates
// per-key message counts between ticks.
type Monitor struct {
	opts   MonitorOptions
	logger *slog.Logger

	mu     sync.Mutex
	counts map[string]uint64

	overflowed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Zero thresholds and interval get defaults.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultMonitorInterval
	}
	if opts.Soft <= 0 {
		opts.Soft = DefaultSoftLimit
	}
	if opts.Hard <= 0 {
		opts.Hard = DefaultHardLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		opts:   opts,
		logger: logger,
		counts: map[string]uint64{},
	}
}

// Count records one received message on key. Called from subscription
// callbacks, concurrently.
func (m *Monitor) Count(key string) {
	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
}

// Start begins periodic sampling.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Stop cancels the monitor and waits for the sampling goroutine.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check is one sampling pass. The hard threshold is tested first: a queue
// deep enough to trip both must abort, not warn.
func (m *Monitor) check() {
	depth := m.opts.Queue.Len()
	switch {
	case depth > m.opts.Hard:
		if !m.overflowed {
			m.overflowed = true
			err := fmt.Errorf("%w: queue depth %d exceeds hard limit %d", ErrOverflow, depth, m.opts.Hard)
			m.logger.Error("aborting recording session", "err", err)
			if m.opts.OnOverflow != nil {
				m.opts.OnOverflow(err)
			}
		}
		return
	case depth > m.opts.Soft:
		m.logger.Warn("queue depth past soft threshold", "depth", depth, "soft", m.opts.Soft)
	}
	m.reportFrequencies()
}

// reportFrequencies prints approximate per-key receive rates since the
// previous tick, then resets the counters. Observability only.
func (m *Monitor) reportFrequencies() {
	m.mu.Lock()
	snapshot := m.counts
	m.counts = map[string]uint64{}
	m.mu.Unlock()

	if m.opts.FrequencyOut == nil || len(snapshot) == 0 {
		return
	}
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	secs := m.opts.Interval.Seconds()
	fmt.Fprintf(m.opts.FrequencyOut, "==== average receive frequencies over last %s ====\n", m.opts.Interval)
	for _, key := range keys {
		fmt.Fprintf(m.opts.FrequencyOut, "%s  %.2f Hz\n", key, float64(snapshot[key])/secs)
	}
}
