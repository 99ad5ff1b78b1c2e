package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/technosupport/licensegate/internal/fingerprint"
)

var (
	fpQuery   string
	fpSources []string
	fpPrice   int64
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Compute the content fingerprint for a query, sources and price",
	Long:  `Prints the fingerprint the server would register the content under, plus the canonical string it hashes.`,
	Args:  cobra.NoArgs,
	RunE:  runFingerprint,
}

func init() {
	fingerprintCmd.Flags().StringVarP(&fpQuery, "query", "q", "", "search query")
	fingerprintCmd.Flags().StringSliceVarP(&fpSources, "source", "s", nil, "source id (repeatable)")
	fingerprintCmd.Flags().Int64VarP(&fpPrice, "price", "p", 0, "price in cents")
	rootCmd.AddCommand(fingerprintCmd)
}

func runFingerprint(cmd *cobra.Command, _ []string) error {
	if fingerprint.NormalizeQuery(fpQuery) == "" {
		return errors.New("--query is required")
	}
	if err := fingerprint.Validate(fpSources, fpPrice); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"fingerprint": fingerprint.Compute(fpQuery, fpSources, fpPrice),
		"canonical":   fingerprint.Canonical(fpQuery, fpSources, fpPrice),
		"free":        fpPrice == 0,
	})
}
