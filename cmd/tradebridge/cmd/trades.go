package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/tradebridge/journal"
)

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "Query the trade journal",
	Long: `Read trades and stop-loss adjustments recorded by the bridge.

Subcommands:
  export - Write trades, or their stop adjustments, as CSV

Examples:
  tradebridge trades export --status open
  tradebridge trades export --stops > stops.csv`,
}

var tradesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export trades as CSV",
	Args:  cobra.NoArgs,
	RunE:  runTradesExport,
}

var (
	tradesStatus string
	tradesStops  bool
)

func init() {
	rootCmd.AddCommand(tradesCmd)
	tradesCmd.AddCommand(tradesExportCmd)

	tradesExportCmd.Flags().StringVar(&tradesStatus, "status", "", "open|closed (default all)")
	tradesExportCmd.Flags().BoolVar(&tradesStops, "stops", false, "export stop-loss adjustments instead of trades")
}

func runTradesExport(cmd *cobra.Command, args []string) error {
	status := journal.Status(tradesStatus)
	switch status {
	case "", journal.StatusOpen, journal.StatusClosed:
	default:
		return fmt.Errorf("unknown status %q (want open or closed)", tradesStatus)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := journal.Open(cfg.Journal.Type, cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	trades, err := j.ListTrades(ctx, status)
	if err != nil {
		return fmt.Errorf("list trades: %w", err)
	}

	out := cmd.OutOrStdout()
	if !tradesStops {
		return journal.WriteTradesCSV(out, trades)
	}

	var stops []journal.StopAdjustment
	for _, t := range trades {
		adj, err := j.StopAdjustments(ctx, t.Ticket)
		if err != nil {
			return fmt.Errorf("stop adjustments #%s: %w", t.Ticket, err)
		}
		stops = append(stops, adj...)
	}
	return journal.WriteStopsCSV(out, stops)
}
