package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/technosupport/licensegate/internal/config"
	"github.com/technosupport/licensegate/internal/discovery"
	"github.com/technosupport/licensegate/internal/logging"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "licensectl",
	Short:         "Inspect content licensing from the command line",
	Long:          `Discover licensing protocols for URLs, list purchasable tiers and compute content fingerprints.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("LICENSEGATE_CONFIG"), "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr")
}

// newService loads configuration and builds a discovery service that logs
// to the command's stderr.
func newService(cmd *cobra.Command, workers int) (*discovery.Service, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if workers > 0 {
		cfg.Discovery.Workers = workers
	}
	logger := logging.NewWithWriter(logging.Config{Level: logLevel, Format: "text", Service: "licensectl"}, cmd.ErrOrStderr())

	policy, err := config.NewPolicyStore(cfg.PricingPolicyPath, nil, logger)
	if err != nil {
		return nil, err
	}
	return discovery.NewService(cfg.Protocols.Chain(policy, nil, logger), cfg.Discovery, nil, logger), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
