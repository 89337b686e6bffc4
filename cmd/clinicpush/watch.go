package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/pkg/client"
	"github.com/amoylab/clinicpush/pkg/feed"
	"github.com/amoylab/clinicpush/pkg/logger"
)

var (
	watchURL       string
	watchToken     string
	watchTypes     []string
	watchRefreshOn string
	watchPoll      time.Duration
	watchLogLevel  string

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Connect as a desk and print pushed notifications",
		Long: `Connect to a hub with a bearer credential and print every notification of the given types.
With --refresh-on the hub health is kept fresh by push invalidation, falling back to polling while disconnected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout())
		},
	}
)

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://127.0.0.1:5236/ws", "hub websocket url")
	watchCmd.Flags().StringVar(&watchToken, "token", os.Getenv("CLINICPUSH_TOKEN"), "bearer credential, defaults to $CLINICPUSH_TOKEN")
	watchCmd.Flags().StringSliceVar(&watchTypes, "type", nil, "notification types to print, repeatable")
	watchCmd.Flags().StringVar(&watchRefreshOn, "refresh-on", "", "notification type that refreshes the hub health feed")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 15*time.Second, "health poll interval while disconnected")
	watchCmd.Flags().StringVar(&watchLogLevel, "log-level", "warn", "client log level")
}

type healthStatus struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func runWatch(ctx context.Context, out io.Writer) error {
	lg, err := logger.NewLogger(&config.LoggerConfig{Level: watchLogLevel, Format: "console", Output: "stdout"})
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	c, err := client.New(client.Config{URL: watchURL, Token: watchToken}, client.WithLogger(lg))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	failed := make(chan error, 1)
	c.OnFailure(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	c.WatchState(func(s client.State) {
		fmt.Fprintf(out, "# connection %s\n", s)
	})
	for _, typ := range watchTypes {
		c.Subscribe(typ, func(data json.RawMessage) {
			fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.TimeOnly), typ, string(data))
		})
	}

	if err := c.Connect(ctx); err != nil {
		lg.Warn("initial connect failed, retrying in background", zap.Error(err))
	}

	if watchRefreshOn != "" {
		healthURL, err := healthURLFor(watchURL)
		if err != nil {
			return err
		}
		f := feed.New(c, fetchHealth(healthURL), feed.Config{Type: watchRefreshOn, FallbackInterval: watchPoll}, feed.WithLogger(lg))
		f.OnUpdate(func(h healthStatus) {
			fmt.Fprintf(out, "# health %s sessions=%d (%s)\n", h.Status, h.Sessions, f.Mode())
		})
		if err := f.Start(ctx); err != nil {
			return err
		}
		defer f.Stop()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return fmt.Errorf("connection lost: %w", err)
	}
}

// healthURLFor maps ws://host/ws to http://host/healthz
func healthURLFor(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchHealth(healthURL string) feed.FetchFunc[healthStatus] {
	httpClient := &http.Client{
		Timeout:   5 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return func(ctx context.Context) (healthStatus, error) {
		var h healthStatus
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return h, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return h, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return h, fmt.Errorf("health returned %s", resp.Status)
		}
		err = json.NewDecoder(resp.Body).Decode(&h)
		return h, err
	}
}
