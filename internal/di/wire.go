//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"RateFusion/pkg/config"
	"RateFusion/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Metrics
		ProvideRegistry,
		ProvideMetrics,
		ProvideKafkaMetrics,

		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideStorage,
		ProvideCache,
		ProvideLatestStore,

		// Services and use cases
		ProvideFeeds,
		ProvideHealthMonitor,
		ProvideRetentionCleaner,
		ProvideRateLimiter,
		ProvideScheduler,
		ProvideKafkaConsumer,

		// Application server
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
