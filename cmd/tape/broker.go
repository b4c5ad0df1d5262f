package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"
)

var (
	brokerHost string
	brokerPort int
)

var brokerCmd = &cobra.Command{
	Use:     "broker",
	Short:   "Run an embedded broker",
	GroupID: "system",
	Long: `Starts an embedded NATS server for standalone setups where no
ambient broker is available. Point record/replay at it with
--broker nats://<host>:<port>.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		opts := &natsserver.Options{Host: brokerHost, Port: brokerPort}
		srv, err := natsserver.NewServer(opts)
		if err != nil {
			return fmt.Errorf("configuring embedded broker: %w", err)
		}
		srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			return fmt.Errorf("embedded broker did not become ready")
		}
		logger.Info("broker listening", "url", srv.ClientURL())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		srv.Shutdown()
		srv.WaitForShutdown()
		logger.Info("broker stopped")
		return nil
	},
}

func init() {
	brokerCmd.Flags().StringVar(&brokerHost, "host", "127.0.0.1", "listen address")
	brokerCmd.Flags().IntVar(&brokerPort, "port", 4222, "listen port")

	rootCmd.AddCommand(brokerCmd)
}
