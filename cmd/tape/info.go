package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/tapedeck/internal/replay"
	"github.com/groblegark/tapedeck/internal/ui"
)

var infoCmd = &cobra.Command{
	Use:     "info <file>",
	Short:   "Summarize a recording file",
	GroupID: "files",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rdr, err := replay.Open(args[0])
		if err != nil {
			return err
		}
		defer rdr.Close()

		info := rdr.Info()
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, ui.RenderAccent("Recording"))
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "file:\t%s\n", args[0])
		if info.Header != nil && info.Header.Library != "" {
			fmt.Fprintf(w, "library:\t%s\n", info.Header.Library)
		}
		if stats := info.Statistics; stats != nil {
			fmt.Fprintf(w, "messages:\t%d\n", stats.MessageCount)
			if first, last, ok := rdr.Bounds(); ok {
				fmt.Fprintf(w, "start:\t%s\n", first.UTC().Format(time.RFC3339Nano))
				fmt.Fprintf(w, "end:\t%s\n", last.UTC().Format(time.RFC3339Nano))
				fmt.Fprintf(w, "duration:\t%s\n", last.Sub(first))
			}
		}
		w.Flush()

		fmt.Fprintln(out)
		fmt.Fprintln(out, ui.RenderAccent("Channels"))
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tSCHEMA\tMESSAGES")

		ids := make([]int, 0, len(info.Channels))
		for id := range info.Channels {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		for _, id := range ids {
			ch := info.Channels[uint16(id)]
			schemaName := ui.RenderMuted("(self-describing)")
			if s, ok := info.Schemas[ch.SchemaID]; ok && s.Encoding != "" {
				schemaName = s.Name
			}
			var count uint64
			if info.Statistics != nil {
				count = info.Statistics.ChannelMessageCounts[ch.ID]
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", ch.ID, ch.Topic, schemaName, count)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
