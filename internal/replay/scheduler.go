package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/foxglove/mcap/go/mcap"

	"github.com/groblegark/tapedeck/internal/bus"
	"github.com/groblegark/tapedeck/internal/envelope"
)

// SchedulerOptions configures a replay run.
type SchedulerOptions struct {
	// Tag, when non-empty, is appended as a final key segment on every
	// republished topic so a replay never collides with the live key.
	Tag string
	// Loop restarts the replay from the beginning when the log is
	// exhausted, with fresh timing state each pass.
	Loop bool

	Logger *slog.Logger
}

// Scheduler republishes a log's messages at wall-clock times linearly
// mapped from their original log-time offsets. Single-threaded; the only
// concurrency-relevant property is time itself.
type Scheduler struct {
	conn   *bus.Conn
	opts   SchedulerOptions
	logger *slog.Logger

	// Publisher per channel id, declared once during setup and kept
	// across loop passes.
	pubs map[uint16]*bus.Publisher
}

// NewScheduler returns a scheduler publishing through conn.
func NewScheduler(conn *bus.Conn, opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		conn:   conn,
		opts:   opts,
		logger: logger,
	}
}

// Run validates the window, declares publishers for every channel in the
// file, and plays the log once, or repeatedly when looping. Range and
// empty-file errors surface before anything is published. A pass that
// publishes nothing (a topic filter matching no channel) is terminal:
// looping over it would spin forever.
func (s *Scheduler) Run(ctx context.Context, rdr *Reader, w Window) error {
	s.pubs = make(map[uint16]*bus.Publisher, len(rdr.Channels()))
	for id, ch := range rdr.Channels() {
		s.pubs[id] = s.conn.DeclarePublisher(s.replayTopic(ch.Topic))
	}

	pass := 0
	for {
		published, err := s.playOnce(ctx, rdr, w)
		if err != nil {
			return err
		}
		if published == 0 {
			return fmt.Errorf("%w: window matches no messages", ErrEmptyLog)
		}
		pass++
		if !s.opts.Loop {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Info("log exhausted, looping", "pass", pass)
	}
}

// playOnce publishes the whole window once and reports how many messages
// went out. Timing state (the first message's log time and the local
// reference instant) is captured fresh per pass, so drift never
// accumulates across loops.
func (s *Scheduler) playOnce(ctx context.Context, rdr *Reader, w Window) (int, error) {
	it, err := rdr.Messages(w)
	if err != nil {
		return 0, err
	}

	var first uint64
	var reference time.Time
	started := false
	published := 0

	msg := &mcap.Message{}
	for {
		_, ch, m, err := it.NextInto(msg)
		if errors.Is(err, io.EOF) {
			return published, nil
		}
		if err != nil {
			return published, fmt.Errorf("reading log: %w", err)
		}

		if !started {
			// First message: capture the timeline origin and publish now.
			first = m.LogTime
			reference = time.Now()
			started = true
		} else {
			lag := time.Duration(int64(m.LogTime) - int64(first))
			if lag <= 0 {
				s.logger.Warn("non-positive replay delay, publishing immediately",
					"topic", ch.Topic, "lag", lag)
			} else if err := waitUntil(ctx, reference.Add(lag)); err != nil {
				return published, err
			}
		}

		pub := s.pubs[m.ChannelID]
		if pub == nil {
			// Channel missing from the summary; declare on first sight.
			pub = s.conn.DeclarePublisher(s.replayTopic(ch.Topic))
			s.pubs[m.ChannelID] = pub
		}
		data := envelope.Enclose(m.Data, time.Unix(0, int64(m.PublishTime)))
		if err := pub.Publish(data); err != nil {
			return published, fmt.Errorf("publishing on %s: %w", pub.Topic(), err)
		}
		published++
	}
}

func (s *Scheduler) replayTopic(topic string) string {
	if s.opts.Tag == "" {
		return topic
	}
	return topic + "." + s.opts.Tag
}
