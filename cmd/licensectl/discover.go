package main

import (
	"errors"

	"github.com/spf13/cobra"
)

var discoverWorkers int

var discoverCmd = &cobra.Command{
	Use:   "discover URL...",
	Short: "Detect the licensing protocol for one or more URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDiscover,
}

var offersCmd = &cobra.Command{
	Use:   "offers URL",
	Short: "List tiers a URL can actually be licensed at",
	Args:  cobra.ExactArgs(1),
	RunE:  runOffers,
}

var errUnlicensed = errors.New("no licensing protocol applies to this url")

func init() {
	discoverCmd.Flags().IntVarP(&discoverWorkers, "workers", "w", 0, "concurrent lookups (default from config)")
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(offersCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd, discoverWorkers)
	if err != nil {
		return err
	}
	results, err := svc.DiscoverMany(cmd.Context(), args)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), results)
}

func runOffers(cmd *cobra.Command, args []string) error {
	svc, err := newService(cmd, 0)
	if err != nil {
		return err
	}
	set, err := svc.Offers(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if set == nil {
		return errUnlicensed
	}
	return printJSON(cmd.OutOrStdout(), set)
}
