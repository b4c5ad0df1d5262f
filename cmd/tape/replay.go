package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/tapedeck/internal/bus"
	"github.com/groblegark/tapedeck/internal/replay"
)

var (
	replayInput string
	replayKeys  []string
	replayStart string
	replayEnd   string
	replayLoop  bool
	replayTag   string
)

var replayCmd = &cobra.Command{
	Use:     "replay",
	Short:   "Replay a recorded MCAP file onto the bus",
	GroupID: "capture",
	Long: `Reads a finished recording and republishes its messages in log-time
order, reproducing the original inter-message timing. Bounds accept
RFC 3339 timestamps or durations relative to the file's first message
(e.g. --start 5s).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		rdr, err := replay.Open(replayInput)
		if err != nil {
			return err
		}
		defer rdr.Close()

		window := replay.Window{Topics: replayKeys}
		first, _, _ := rdr.Bounds()
		if window.Start, err = parseBound(replayStart, first); err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		if window.End, err = parseBound(replayEnd, first); err != nil {
			return fmt.Errorf("--end: %w", err)
		}

		conn, err := bus.Connect(brokerURL())
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		scheduler := replay.NewScheduler(conn, replay.SchedulerOptions{
			Tag:    replayTag,
			Loop:   replayLoop,
			Logger: logger,
		})
		if err := scheduler.Run(ctx, rdr, window); err != nil && ctx.Err() == nil {
			return err
		}
		// Let in-flight publishes reach the server before disconnecting.
		_ = conn.Flush()
		return nil
	},
}

// parseBound interprets s as an RFC 3339 timestamp or, when it parses as
// a duration, as an offset from the file's first message. Empty means
// unbounded.
func parseBound(s string, first time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if first.IsZero() {
			return time.Time{}, fmt.Errorf("relative bound %q on a file with no messages", s)
		}
		return first.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or a duration offset: %w", err)
	}
	return t, nil
}

func init() {
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "", "recording file to replay")
	replayCmd.Flags().StringArrayVarP(&replayKeys, "key", "k", nil, "restrict the replay to these keys (repeatable)")
	replayCmd.Flags().StringVar(&replayStart, "start", "", "replay window start")
	replayCmd.Flags().StringVar(&replayEnd, "end", "", "replay window end")
	replayCmd.Flags().BoolVar(&replayLoop, "loop", false, "restart from the beginning when the log is exhausted")
	replayCmd.Flags().StringVar(&replayTag, "tag", "", "suffix segment appended to every republished key")
	_ = replayCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(replayCmd)
}
