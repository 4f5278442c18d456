package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lanikai/dewarp/internal/config"
	"github.com/lanikai/dewarp/internal/logging"
)

var log = logging.DefaultLogger.WithTag("dewarpd")

// Populated via -ldflags="-X ...".
var GitRevisionId string

var (
	flagConfig  string
	flagNoColor bool
)

var rootCmd = &cobra.Command{
	Use:   "dewarpd",
	Short: "Lens-corrected camera capture daemon",
	Long: `dewarpd keeps a capture device streaming into a changing set of output
targets, correcting lens distortion on the way and recovering on its own
from disconnects, busy devices and stalled streams.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagNoColor {
			logging.SetColor(false)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "Config file (default: ./dewarp.yaml or ~/.config/dewarp/dewarp.yaml)")
	pf.String("log-level", "", `Log directives, e.g. "debug" or "info,session=trace"`)
	pf.StringP("backend", "b", "sim", `Capture backend, "sim" or "v4l2"`)
	pf.BoolVar(&flagNoColor, "no-color", false, "Disable colored log output")

	rootCmd.AddCommand(runCmd, devicesCmd, versionCmd)
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			banner()
		}
		fmt.Println(cmd.UsageString())
	})
}

// loadConfig reads the config file, environment and flags of cmd, then
// applies the log directives it carries.
func loadConfig(cmd *cobra.Command) (*config.Loader, config.Config, error) {
	loader := config.NewLoader()
	if err := loader.BindFlags(cmd.Flags()); err != nil {
		return nil, config.Config{}, err
	}
	cfg, err := loader.Load(flagConfig)
	if err != nil {
		return nil, config.Config{}, err
	}
	if err := logging.Configure(cfg.Log); err != nil {
		return nil, config.Config{}, err
	}
	return loader, cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dewarpd", GitRevisionId)
		fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
