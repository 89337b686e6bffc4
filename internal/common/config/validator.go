package config

import (
	"fmt"
	"strings"

	"github.com/amoylab/clinicpush/internal/common/cnst"
)

// Location represents the configuration key a problem was found at
type Location struct {
	Key string
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message   string
	Locations []Location
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString("\n\n")
	for _, loc := range e.Locations {
		sb.WriteString("--> ")
		sb.WriteString(loc.Key)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ValidateServerConfig checks a defaulted server configuration
func ValidateServerConfig(cfg *ServerConfig) error {
	var errs []*ValidationError

	if len(cfg.Auth.SecretKey) < 32 {
		errs = append(errs, &ValidationError{
			Message:   "auth secret key must be at least 32 characters",
			Locations: []Location{{Key: "auth.secret_key"}},
		})
	}

	if cfg.Hub.PongTimeout <= cfg.Hub.PingInterval {
		errs = append(errs, &ValidationError{
			Message:   fmt.Sprintf("pong timeout %s must exceed ping interval %s", cfg.Hub.PongTimeout, cfg.Hub.PingInterval),
			Locations: []Location{{Key: "hub.pong_timeout"}, {Key: "hub.ping_interval"}},
		})
	}

	switch cnst.AdmissionType(cfg.Admission.Type) {
	case cnst.AdmissionTypeMemory:
	case cnst.AdmissionTypeRedis:
		if cfg.Admission.Redis.Addr == "" {
			errs = append(errs, &ValidationError{
				Message:   "redis admission requires an address",
				Locations: []Location{{Key: "admission.redis.addr"}},
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Message:   fmt.Sprintf("unsupported admission type %q", cfg.Admission.Type),
			Locations: []Location{{Key: "admission.type"}},
		})
	}

	if cfg.Tracing.Enabled {
		switch strings.ToLower(cfg.Tracing.Protocol) {
		case "", "http", "grpc":
		default:
			errs = append(errs, &ValidationError{
				Message:   fmt.Sprintf("unsupported tracing protocol %q", cfg.Tracing.Protocol),
				Locations: []Location{{Key: "tracing.protocol"}},
			})
		}
	}

	if len(errs) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, err := range errs {
		sb.WriteString(err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n%s", sb.String())
}
