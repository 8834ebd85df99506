// Command relay runs the stateless C6 fan-out relay, grounded on the
// teacher's server/main.go WebSocket+Redis relay.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/collabtext/replica/internal/relay"
)

func main() {
	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags)
	cfg := relay.ConfigFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bus relay.Bus = relay.NoopBus{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("redis unreachable: %v", err)
		}
		defer rdb.Close()
		bus = relay.NewRedisBus(rdb)
		logger.Printf("cross-instance fan-out enabled via %s", cfg.RedisURL)
	}

	reg := relay.NewRegistry(bus, logger)
	if err := relay.Serve(ctx, cfg, reg, logger); err != nil {
		logger.Fatalf("relay exited: %v", err)
	}
}
