package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/tapedeck/internal/archive"
	"github.com/groblegark/tapedeck/internal/bus"
	"github.com/groblegark/tapedeck/internal/config"
	"github.com/groblegark/tapedeck/internal/idgen"
	"github.com/groblegark/tapedeck/internal/record"
	"github.com/groblegark/tapedeck/internal/subjects"
	"github.com/groblegark/tapedeck/internal/ui"
)

var (
	recordKeys        []string
	recordOutput      string
	recordSeed        bool
	recordFrequencies bool
	recordSubjects    []string
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Short:   "Record bus traffic into an MCAP file",
	GroupID: "capture",
	Long: `Subscribes to the given key expressions and appends every received
message to a single MCAP file, in arrival order, until interrupted.

Schemas are inferred per key on first sight: keys whose subject segment is
well-known get a protobuf schema with its full descriptor set; any other
key is stored self-describing, so nothing observed is ever dropped for
being unrecognized.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		registry, err := subjects.Builtin()
		if err != nil {
			return err
		}
		for _, pair := range recordSubjects {
			subjectsPath, descriptorPath, _ := strings.Cut(pair, ",")
			logger.Info("loading extra subjects", "subjects", subjectsPath, "descriptors", descriptorPath)
			if err := registry.AddSubjectsFile(subjectsPath, descriptorPath); err != nil {
				return err
			}
		}

		conn, err := bus.Connect(brokerURL())
		if err != nil {
			return err
		}
		defer conn.Close()

		sessionID, err := idgen.Generate()
		if err != nil {
			return err
		}

		queue := record.NewQueue(cfg.QueueCapacity)
		recorder := record.New(record.Options{
			Path:       recordOutput,
			Registry:   registry,
			Queue:      queue,
			SessionID:  sessionID,
			PopTimeout: cfg.PopTimeout,
			Logger:     logger,
		})
		// Resource errors here are fatal before anything subscribes.
		if err := recorder.Open(); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		runErr := make(chan error, 1)
		go func() {
			runErr <- recorder.Run(ctx)
		}()

		overflow := make(chan error, 1)
		monitorOpts := record.MonitorOptions{
			Queue:    queue,
			Interval: cfg.MonitorInterval,
			Soft:     cfg.SoftLimit,
			Hard:     cfg.HardLimit,
			Logger:   logger,
			OnOverflow: func(err error) {
				select {
				case overflow <- err:
				default:
				}
			},
		}
		if recordFrequencies && ui.IsTerminal(os.Stderr) {
			monitorOpts.FrequencyOut = os.Stderr
		}
		monitor := record.NewMonitor(monitorOpts)
		monitor.Start()

		// Best-effort seeding from upstream storage before going live.
		if recordSeed {
			logger.Info("querying upstream storage for latest values")
			for _, key := range recordKeys {
				seedCtx, seedCancel := context.WithTimeout(ctx, cfg.SeedTimeout)
				err := conn.QueryLatest(seedCtx, key, func(s bus.Sample) {
					monitor.Count(s.Topic)
					queue.Put(s)
				})
				seedCancel()
				if err != nil {
					logger.Warn("seed query failed", "key", key, "err", err)
				}
			}
		}

		logger.Info("starting subscribers", "keys", len(recordKeys))
		var subs []*bus.Subscription
		for _, key := range recordKeys {
			sub, err := conn.Subscribe(key, func(s bus.Sample) {
				monitor.Count(s.Topic)
				queue.Put(s)
			})
			if err != nil {
				for _, s := range subs {
					_ = s.Undeclare()
				}
				monitor.Stop()
				cancel()
				<-runErr
				return err
			}
			subs = append(subs, sub)
			logger.Info("subscribed", "key", key)
		}

		// Wait for an interrupt, a fatal backpressure abort, or the
		// recorder loop failing on its own.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		var fatal error
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
		case fatal = <-overflow:
		case err := <-runErr:
			for _, s := range subs {
				_ = s.Undeclare()
			}
			monitor.Stop()
			return err
		}

		// Producers first, then drain, then finalize: reversing this
		// order loses buffered messages.
		for _, s := range subs {
			_ = s.Undeclare()
		}
		monitor.Stop()
		cancel()
		if err := <-runErr; err != nil {
			return err
		}
		if fatal != nil {
			// The writer was still finalized, so the partial file is valid.
			return fatal
		}

		return archiveRecording(cmd.Context(), cfg, recordOutput, logger)
	},
}

// archiveRecording uploads the finished file when an archive destination
// is configured.
func archiveRecording(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger) error {
	if cfg.ArchiveS3Bucket == "" {
		return nil
	}
	dest, err := archive.NewS3Destination(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
	if err != nil {
		return fmt.Errorf("configuring archive destination: %w", err)
	}
	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return archive.Upload(uploadCtx, []archive.Destination{dest}, path, logger)
}

func init() {
	recordCmd.Flags().StringArrayVarP(&recordKeys, "key", "k", nil, "key expression to subscribe to (repeatable)")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "file path to write the recording to")
	recordCmd.Flags().BoolVar(&recordSeed, "seed", false, "query upstream storage for latest values before subscribing")
	recordCmd.Flags().BoolVar(&recordFrequencies, "show-frequencies", false, "report per-key receive rates on stderr")
	recordCmd.Flags().StringArrayVar(&recordSubjects, "subjects", nil,
		"extra well-known subjects as subjects.yaml[,descriptor_set.bin] (repeatable)")
	_ = recordCmd.MarkFlagRequired("key")
	_ = recordCmd.MarkFlagRequired("output")

	rootCmd.AddCommand(recordCmd)
}
