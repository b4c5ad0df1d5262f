package main

import (
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/groblegark/tapedeck/internal/ui"
)

var (
	brokerFlag  string
	profileFlag string
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "tape <command>",
	Short: "Record and replay bus traffic",
	Long: `tape bridges a pub/sub bus and seekable MCAP log files.

record captures every message on a set of subscribed keys into a single
append-only file, inferring the wire schema per key on first sight.
replay reads such a file back and republishes it with the original
inter-message timing.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
	},
}

// brokerURL resolves the broker address: flag > TAPE_BROKER_URL > active
// profile > local default.
func brokerURL() string {
	if brokerFlag != "" {
		return brokerFlag
	}
	if v := os.Getenv("TAPE_BROKER_URL"); v != "" {
		return v
	}
	if u := profileURL(profileFlag); u != "" {
		return u
	}
	return nats.DefaultURL
}

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerFlag, "broker", "", "broker URL (overrides TAPE_BROKER_URL and profiles)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "named broker profile to use")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "capture", Title: "Capture & Replay:"},
		&cobra.Group{ID: "files", Title: "Files:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
