package source

import (
	"fmt"
	"time"

	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/config"
)

// DefaultTimeout bounds a fetch when the source config leaves it unset.
const DefaultTimeout = 10 * time.Second

func timeoutOf(cfg config.SourceConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return DefaultTimeout
}

// New builds the adapter matching the configured transport.
func New(cfg config.SourceConfig) (repository.SourceAdapter, error) {
	switch cfg.Transport {
	case "", config.TransportHTTP:
		return NewHTTPAdapter(cfg), nil
	case config.TransportWebSocket:
		return NewWebSocketAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("source %q: unsupported transport %q", cfg.ID, cfg.Transport)
	}
}
