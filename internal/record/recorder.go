// Package record captures bus traffic into an MCAP log file: a bounded
// ingress queue fed by subscription callbacks, a single-consumer recorder
// loop that owns the writer and the schema/channel caches, and a
// backpressure monitor that fails fast when the consumer cannot keep up.
package record

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/foxglove/mcap/go/mcap"

	"github.com/groblegark/tapedeck/internal/bus"
	"github.com/groblegark/tapedeck/internal/envelope"
	"github.com/groblegark/tapedeck/internal/keyspace"
	"github.com/groblegark/tapedeck/internal/subjects"
)

// Recorder states. One recorder records one session into one file.
const (
	StateIdle = int32(iota)
	StateRunning
	StateDraining
	StateClosed
)

// DefaultPopTimeout bounds how long the loop waits for a sample before
// re-checking for shutdown.
const DefaultPopTimeout = 100 * time.Millisecond

const messageEncodingProtobuf = "protobuf"

// Options configures a recording session.
type Options struct {
	// Path of the MCAP file to create. Creation failure is fatal.
	Path string
	// Registry resolves subjects to schemas. Required.
	Registry *subjects.Registry
	// Queue feeding the loop. Required.
	Queue *Queue
	// SessionID, when set, is written as a metadata record after the header.
	SessionID string
	// PopTimeout overrides DefaultPopTimeout when positive.
	PopTimeout time.Duration

	Logger *slog.Logger
}

// Recorder is the single consumer of the ingress queue. All writer state
// (schema cache, channel cache, file handle) is single-owner, so none of
// it is locked.
type Recorder struct {
	opts   Options
	logger *slog.Logger

	state atomic.Int32

	writer *mcap.Writer
	file   *os.File

	schemaIDs     map[string]uint16 // subject -> schema id
	channelIDs    map[string]uint16 // topic -> channel id
	nextSchemaID  uint16
	nextChannelID uint16
	sequences     map[uint16]uint32

	written uint64
	dropped uint64
}

// New returns an idle recorder. The log file is not opened until Run.
func New(opts Options) *Recorder {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = DefaultPopTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		opts:          opts,
		logger:        logger,
		schemaIDs:     map[string]uint16{},
		channelIDs:    map[string]uint16{},
		nextSchemaID:  1, // schema id 0 means "no schema" in the container
		nextChannelID: 0,
		sequences:     map[uint16]uint32{},
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() int32 { return r.state.Load() }

// Written reports how many message records have been appended.
func (r *Recorder) Written() uint64 { return atomic.LoadUint64(&r.written) }

// Open creates the log file and writes the container header, moving the
// recorder from Idle to Running. A failure here is fatal for the session
// and must happen before any subscription is declared.
func (r *Recorder) Open() error {
	if !r.state.CompareAndSwap(StateIdle, StateRunning) {
		return fmt.Errorf("recorder already started")
	}
	if err := r.open(); err != nil {
		r.state.Store(StateClosed)
		return err
	}
	return nil
}

// Run consumes the queue until ctx is cancelled, then drains whatever is
// left and finalizes the writer. The caller must stop producers
// (undeclare subscriptions) before cancelling ctx, or samples arriving
// after the drain begins are lost.
//
// The summary/index trailer is written on every exit path once Run has
// been entered; a file missing it cannot be read reliably.
func (r *Recorder) Run(ctx context.Context) (err error) {
	if r.state.Load() != StateRunning {
		return fmt.Errorf("recorder is not open")
	}

	defer func() {
		if cerr := r.finalize(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return nil
		default:
		}
		sample, ok := r.opts.Queue.Pop(r.opts.PopTimeout)
		if !ok {
			continue
		}
		r.handle(sample)
	}
}

// open acquires the file handle and writes the container header. This is
// the Idle to Running edge: from here on finalize must always run.
func (r *Recorder) open() error {
	f, err := os.Create(r.opts.Path)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	w, err := mcap.NewWriter(f, &mcap.WriterOptions{
		Chunked:     true,
		Compression: mcap.CompressionZSTD,
		IncludeCRC:  true,
	})
	if err != nil {
		f.Close()
		return fmt.Errorf("initializing log writer: %w", err)
	}
	if err := w.WriteHeader(&mcap.Header{Library: "tapedeck"}); err != nil {
		f.Close()
		return fmt.Errorf("writing log header: %w", err)
	}
	if r.opts.SessionID != "" {
		err := w.WriteMetadata(&mcap.Metadata{
			Name: "session",
			Metadata: map[string]string{
				"id":         r.opts.SessionID,
				"started_at": time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
		if err != nil {
			f.Close()
			return fmt.Errorf("writing session metadata: %w", err)
		}
	}
	r.file = f
	r.writer = w
	r.logger.Info("recording started", "path", r.opts.Path, "session", r.opts.SessionID)
	return nil
}

// drain consumes the remaining queued samples. Producers must already be
// stopped.
func (r *Recorder) drain() {
	r.state.Store(StateDraining)
	for {
		sample, ok := r.opts.Queue.PopNow()
		if !ok {
			return
		}
		r.handle(sample)
	}
}

// finalize writes the summary/index trailer and releases the file handle.
// Safe to call once only; Run guarantees that.
func (r *Recorder) finalize() error {
	defer r.state.Store(StateClosed)
	if r.writer == nil {
		return nil
	}
	werr := r.writer.Close()
	cerr := r.file.Close()
	r.logger.Info("recording finished",
		"path", r.opts.Path,
		"messages", atomic.LoadUint64(&r.written),
		"dropped", atomic.LoadUint64(&r.dropped),
		"channels", len(r.channelIDs),
	)
	if werr != nil {
		return fmt.Errorf("finalizing log writer: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("closing log file: %w", cerr)
	}
	return nil
}

// handle records one sample. Every failure in here is per-item: log,
// drop, keep consuming.
func (r *Recorder) handle(sample bus.Sample) {
	receivedAt, env, err := envelope.Uncover(sample.Data)
	if err != nil {
		atomic.AddUint64(&r.dropped, 1)
		r.logger.Warn("dropping sample: not a valid envelope", "key", sample.Topic, "err", err)
		return
	}
	channelID, err := r.channelFor(sample.Topic)
	if err != nil {
		atomic.AddUint64(&r.dropped, 1)
		r.logger.Warn("dropping sample", "key", sample.Topic, "err", err)
		return
	}
	seq := r.sequences[channelID]
	r.sequences[channelID] = seq + 1
	err = r.writer.WriteMessage(&mcap.Message{
		ChannelID:   channelID,
		Sequence:    seq,
		LogTime:     uint64(receivedAt.UnixNano()),
		PublishTime: uint64(env.EnclosedAt.UnixNano()),
		Data:        env.Payload,
	})
	if err != nil {
		atomic.AddUint64(&r.dropped, 1)
		r.logger.Error("writing message record", "key", sample.Topic, "err", err)
		return
	}
	atomic.AddUint64(&r.written, 1)
}

// channelFor returns the channel id registered for topic, registering the
// channel (and, transitively, its schema) on first sight.
func (r *Recorder) channelFor(topic string) (uint16, error) {
	if id, ok := r.channelIDs[topic]; ok {
		return id, nil
	}
	subject, err := keyspace.Subject(topic)
	if err != nil {
		return 0, err
	}
	schemaID, err := r.schemaFor(subject)
	if err != nil {
		return 0, err
	}
	id := r.nextChannelID
	err = r.writer.WriteChannel(&mcap.Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: messageEncodingProtobuf,
		Metadata:        map[string]string{},
	})
	if err != nil {
		return 0, fmt.Errorf("registering channel for %s: %w", topic, err)
	}
	r.nextChannelID++
	r.channelIDs[topic] = id
	r.logger.Info("registered channel", "key", topic, "subject", subject, "channel_id", id)
	return id, nil
}

// schemaFor returns the schema id registered for subject. Well-known
// subjects get a protobuf schema with their full descriptor set; anything
// else is stored self-describing so no topic is ever unrecordable.
func (r *Recorder) schemaFor(subject string) (uint16, error) {
	if id, ok := r.schemaIDs[subject]; ok {
		return id, nil
	}
	schema := &mcap.Schema{ID: r.nextSchemaID, Name: subject}
	if r.opts.Registry.IsWellKnown(subject) {
		name, err := r.opts.Registry.SchemaName(subject)
		if err != nil {
			return 0, err
		}
		data, err := r.opts.Registry.DescriptorSet(name)
		if err != nil {
			return 0, err
		}
		schema.Name = name
		schema.Encoding = messageEncodingProtobuf
		schema.Data = data
	} else {
		r.logger.Info("subject not well-known, storing without schema", "subject", subject)
	}
	if err := r.writer.WriteSchema(schema); err != nil {
		return 0, fmt.Errorf("registering schema for %s: %w", subject, err)
	}
	r.schemaIDs[subject] = schema.ID
	r.nextSchemaID++
	return schema.ID, nil
}
