package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/fiatrates/internal/fiat"
	"github.com/AlexKimmel/fiatrates/internal/obs"
)

func ratesCmd() *cobra.Command {
	var (
		coins  []string
		vs     []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "rates",
		Short:   "Look up exchange rates once and print them",
		Example: "  fiatrates rates --coins btc,eth --vs usd,eur",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := obs.SetupLogger(cfg.Observability.LogLevel, os.Stderr)

			clients, err := buildClients(cfg, logger, nil, nil)
			if err != nil {
				return err
			}
			agg := fiat.NewAggregator(clients...)
			defer agg.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.RequestTimeout())
			defer cancel()
			rates, err := agg.Rates(ctx, fiat.Query{Coins: coins, Vs: vs})
			if rates == nil {
				return err
			}
			if err != nil {
				logger.Warn().Err(err).Msg("some providers failed")
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rates)
			}
			return printRates(cmd.OutOrStdout(), rates)
		},
	}
	cmd.Flags().StringSliceVar(&coins, "coins", []string{"btc"}, "coin ticker symbols")
	cmd.Flags().StringSliceVar(&vs, "vs", []string{"usd"}, "vs currencies")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printRates(w io.Writer, rates fiat.Rates) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COIN\tVS\tPRICE")
	for _, coin := range sortedKeys(rates) {
		for _, cur := range sortedKeys(rates[coin]) {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", coin, cur, strconv.FormatFloat(rates[coin][cur], 'f', -1, 64))
		}
	}
	return tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
