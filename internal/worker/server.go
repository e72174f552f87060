package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// RedisConfig is where the task queue lives.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisOpt converts c for asynq clients and servers.
func (c RedisConfig) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// Serve runs an asynq server with p's handlers until ctx is cancelled.
func Serve(ctx context.Context, redis RedisConfig, concurrency int, p *Processor, logger *slog.Logger) error {
	if redis.Addr == "" {
		return fmt.Errorf("worker needs REDIS_ADDR")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	server := asynq.NewServer(redis.RedisOpt(), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
	})
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	logger.Info("worker started", "redis", redis.Addr, "concurrency", concurrency)
	if err := server.Run(p.Handler()); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}
