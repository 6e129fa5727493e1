package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/catalog"
)

// newAddressesCmd groups the read-only record commands. Each prints JSON.
func newAddressesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "addresses",
		Aliases: []string{"addr"},
		Short:   "Read stored addresses and geocoding results",
	}
	cmd.AddCommand(
		newAddressesListCmd(),
		newAddressesSearchCmd(),
		newAddressesCoordsCmd(),
		newAddressesQualityCmd(),
	)
	return cmd
}

func newAddressesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the full address directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			records, err := appInstance.Catalog().ListAddresses(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Debug("directory listed", zap.Int("records", len(records)))
			return writeJSON(cmd.OutOrStdout(), records)
		},
	}
}

func newAddressesSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Find geocoded addresses matching a term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			points, err := appInstance.Catalog().Search(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), points)
		},
	}
}

func newAddressesCoordsCmd() *cobra.Command {
	var (
		filter     catalog.Filter
		minQuality float64
		maxQuality float64
	)
	cmd := &cobra.Command{
		Use:   "coords",
		Short: "Print geocoded points, optionally filtered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("min-quality") {
				filter.MinQuality = &minQuality
			}
			if cmd.Flags().Changed("max-quality") {
				filter.MaxQuality = &maxQuality
			}
			points, err := appInstance.Catalog().Coordinates(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), points)
		},
	}
	flags := cmd.Flags()
	flags.Float64Var(&minQuality, "min-quality", 0, "lowest confidence to include (0-100)")
	flags.Float64Var(&maxQuality, "max-quality", 100, "highest confidence to include (0-100)")
	flags.StringVar(&filter.Municipality, "municipality", "", "only this municipality")
	flags.StringVar(&filter.State, "state", "", "only this state")
	flags.StringVar(&filter.Neighborhood, "neighborhood", "", "only this neighborhood")
	flags.IntVar(&filter.Limit, "limit", 0, "maximum points to return")
	return cmd
}

func newAddressesQualityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quality",
		Short: "Print the geocoding confidence summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := appInstance.Catalog().QualityStats(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
