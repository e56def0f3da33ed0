package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradebridge",
	Short: "Bridge trade signals to a MetaTrader 5 terminal",
	Long: `tradebridge executes open, close and modify commands against a
MetaTrader 5 terminal (through an MT5 bridge sidecar, or a built-in paper
backend) and trails stop-losses of open positions.

It provides tools for:
  - Running the bridge and feeding it JSON trade commands
  - Generating and validating configuration files
  - Exporting the trade journal and stop-loss audit trail`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	envFiles []string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (YAML or JSON); defaults are used when empty")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, ".env files to load before reading the environment")
}
