package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/clinicpush/internal/admission"
	"github.com/amoylab/clinicpush/internal/auth/jwt"
	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/internal/hub"
	"github.com/amoylab/clinicpush/internal/server"
	"github.com/amoylab/clinicpush/pkg/logger"
	"github.com/amoylab/clinicpush/pkg/metrics"
	"github.com/amoylab/clinicpush/pkg/trace"
	"github.com/amoylab/clinicpush/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// sessionInfo answers the whoami call
type sessionInfo struct {
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles"`
	Origin    string    `json:"origin"`
	ConnID    string    `json:"conn_id"`
	CreatedAt time.Time `json:"created_at"`
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, cfgPath, err := config.LoadConfig[config.ServerConfig](configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration %s: %w", cfgPath, err)
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		return err
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	lg.Info("Starting clinicpush",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	shutdownTracing, err := trace.InitTracing(parent, &cfg.Tracing, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	jwtService, err := jwt.NewService(jwt.Config{SecretKey: cfg.Auth.SecretKey, Duration: cfg.Auth.Duration})
	if err != nil {
		return fmt.Errorf("failed to initialize credential verification: %w", err)
	}

	admissionCtl, err := admission.NewController(lg, cfg.Admission)
	if err != nil {
		return fmt.Errorf("failed to initialize admission control: %w", err)
	}
	defer func() { _ = admissionCtl.Close() }()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	h := hub.New(lg, cfg.Hub, hub.NewJWTVerifier(jwtService), admissionCtl, m)
	h.Handle("whoami", func(_ context.Context, s *hub.Session, _ json.RawMessage) (any, error) {
		return sessionInfo{UserID: s.ID, Roles: s.Roles, Origin: s.Origin, ConnID: s.ConnID, CreatedAt: s.CreatedAt}, nil
	})

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewServer(lg, cfg, h, m)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go h.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	lg.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
	}
	return nil
}
