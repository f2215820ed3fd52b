package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/fiatrates/internal/config"
	"github.com/AlexKimmel/fiatrates/internal/fiat"
	"github.com/AlexKimmel/fiatrates/internal/ratelimit"
)

// version is set with -ldflags "-X main.version=..."
var version = "v0.0.1"

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "fiatrates",
		Short:         "Exchange rates from rate limited providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "./config.yaml", "path to the YAML config file")
	root.AddCommand(serveCmd(), ratesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig falls back to built-in defaults when the config file is missing.
func loadConfig() (*config.Root, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil && os.IsNotExist(err) {
		return config.Parse([]byte(`{}`))
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// buildClients creates one scheduled client per configured provider.
func buildClients(cfg *config.Root, log zerolog.Logger, obs ratelimit.Observer, up fiat.UpstreamRecorder) ([]*fiat.Client, error) {
	tr := fiat.NewHTTPTransport()
	clients := make([]*fiat.Client, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := fiat.NewProvider(pc.Kind, pc.BaseURL, pc.APIKey)
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		c, err := fiat.NewClient(p, fiat.Options{
			Name:         pc.Name,
			HTTPClient:   &http.Client{Transport: tr, Timeout: pc.Timeout()},
			Limits:       pc.Limits,
			SafetyBuffer: pc.SafetyBuffer(),
			MaxRetries:   pc.Retries(),
			Logger:       log,
			Observer:     obs,
			Upstream:     up,
		})
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		log.Info().Str("provider", c.Name()).Stringer("limits", c.Scheduler().RateLimits()).Msg("provider ready")
		clients = append(clients, c)
	}
	return clients, nil
}

func closeAll(clients []*fiat.Client) {
	for _, c := range clients {
		c.Close()
	}
}
