package replay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxglove/mcap/go/mcap"
)

type testMessage struct {
	topic   string
	logTime uint64
	data    []byte
}

// writeTestLog builds a finished log with one channel per distinct topic
// and the given messages, in the order given.
func writeTestLog(t *testing.T, msgs []testMessage) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay_test.mcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w, err := mcap.NewWriter(f, &mcap.WriterOptions{
		Chunked:     true,
		Compression: mcap.CompressionZSTD,
		IncludeCRC:  true,
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteHeader(&mcap.Header{Library: "tapedeck"}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.WriteSchema(&mcap.Schema{ID: 1, Name: "test"}); err != nil {
		t.Fatalf("WriteSchema: %v", err)
	}

	channels := map[string]uint16{}
	var nextChannel uint16
	for i, m := range msgs {
		id, ok := channels[m.topic]
		if !ok {
			id = nextChannel
			nextChannel++
			channels[m.topic] = id
			err := w.WriteChannel(&mcap.Channel{
				ID:              id,
				SchemaID:        1,
				Topic:           m.topic,
				MessageEncoding: "protobuf",
				Metadata:        map[string]string{},
			})
			if err != nil {
				t.Fatalf("WriteChannel: %v", err)
			}
		}
		err := w.WriteMessage(&mcap.Message{
			ChannelID:   id,
			Sequence:    uint32(i),
			LogTime:     m.logTime,
			PublishTime: m.logTime,
			Data:        m.data,
		})
		if err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("writer close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
	return path
}

func writeEmptyLog(t *testing.T) string {
	t.Helper()
	return writeTestLog(t, nil)
}

func openTestLog(t *testing.T, path string) *Reader {
	t.Helper()
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func collect(t *testing.T, it mcap.MessageIterator) []testMessage {
	t.Helper()
	var out []testMessage
	for {
		_, ch, m, err := it.Next(nil)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, testMessage{
			topic:   ch.Topic,
			logTime: m.LogTime,
			data:    append([]byte(nil), m.Data...),
		})
	}
}

const (
	topicA = "local.v0.boat.pubsub.raw_bytes.gps"
	topicB = "local.v0.boat.pubsub.flag.anchor"
)

func fourMessageLog(t *testing.T) *Reader {
	t.Helper()
	base := uint64(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return openTestLog(t, writeTestLog(t, []testMessage{
		{topic: topicA, logTime: base, data: []byte("a0")},
		{topic: topicB, logTime: base + uint64(100*time.Millisecond), data: []byte("b0")},
		{topic: topicA, logTime: base + uint64(200*time.Millisecond), data: []byte("a1")},
		{topic: topicB, logTime: base + uint64(300*time.Millisecond), data: []byte("b1")},
	}))
}

func TestReader_Bounds(t *testing.T) {
	r := fourMessageLog(t)
	first, last, ok := r.Bounds()
	if !ok {
		t.Fatal("Bounds not available")
	}
	if got := last.Sub(first); got != 300*time.Millisecond {
		t.Errorf("span = %s, want 300ms", got)
	}
	if stats := r.Info().Statistics; stats.MessageCount != 4 {
		t.Errorf("message count = %d, want 4", stats.MessageCount)
	}
}

func TestReader_EmptyLog(t *testing.T) {
	r := openTestLog(t, writeEmptyLog(t))
	if _, _, ok := r.Bounds(); ok {
		t.Error("Bounds should report no messages")
	}
	if _, err := r.Messages(Window{}); !errors.Is(err, ErrEmptyLog) {
		t.Errorf("Messages = %v, want ErrEmptyLog", err)
	}
}

func TestReader_OrderedByLogTime(t *testing.T) {
	r := fourMessageLog(t)
	it, err := r.Messages(Window{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	msgs := collect(t, it)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].logTime < msgs[i-1].logTime {
			t.Fatalf("log time regressed at %d", i)
		}
	}
	if string(msgs[0].data) != "a0" || string(msgs[3].data) != "b1" {
		t.Errorf("order = %q ... %q", msgs[0].data, msgs[3].data)
	}
}

func TestReader_TopicFilter(t *testing.T) {
	r := fourMessageLog(t)
	it, err := r.Messages(Window{Topics: []string{topicB}})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	msgs := collect(t, it)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.topic != topicB {
			t.Errorf("topic = %s, want %s", m.topic, topicB)
		}
	}
}

func TestReader_TimeWindow(t *testing.T) {
	r := fourMessageLog(t)
	first, last, _ := r.Bounds()
	it, err := r.Messages(Window{
		Start: first.Add(50 * time.Millisecond),
		End:   last.Add(-50 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	msgs := collect(t, it)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages in window, want 2", len(msgs))
	}
	if string(msgs[0].data) != "b0" || string(msgs[1].data) != "a1" {
		t.Errorf("window contents = %q, %q", msgs[0].data, msgs[1].data)
	}
}

func TestReader_InvalidRanges(t *testing.T) {
	r := fourMessageLog(t)
	first, last, _ := r.Bounds()

	cases := []struct {
		name string
		w    Window
	}{
		{"inverted", Window{Start: last, End: first}},
		{"start equals end", Window{Start: first, End: first}},
		{"start after log", Window{Start: last.Add(time.Hour)}},
		{"end before log", Window{End: first.Add(-time.Hour)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Messages(tc.w); !errors.Is(err, ErrInvalidRange) {
				t.Errorf("Messages = %v, want ErrInvalidRange", err)
			}
		})
	}
}

func TestReader_ReopenIterator(t *testing.T) {
	r := fourMessageLog(t)
	for pass := 0; pass < 3; pass++ {
		it, err := r.Messages(Window{})
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if got := len(collect(t, it)); got != 4 {
			t.Fatalf("pass %d: got %d messages, want 4", pass, got)
		}
	}
}

func TestOpen_MissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.mcap")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
