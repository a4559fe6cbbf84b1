//go:build testutil
// +build testutil

package testredis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Handle owns a throwaway Redis container.
type Handle struct {
	Client *goredis.Client
	cancel func()
	stop   func(context.Context) error
}

func (h *Handle) Close() {
	if h.Client != nil {
		_ = h.Client.Close()
	}
	if h.stop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.stop(ctx)
	}
	if h.cancel != nil {
		h.cancel()
	}
}

// Start launches a Redis container and returns a connected client.
func Start(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)

	srv, err := tcredis.RunContainer(ctx, tc.WithImage("redis:7-alpine"))
	if err != nil {
		cancel()
		return nil, err
	}

	uri, err := srv.ConnectionString(ctx)
	if err != nil {
		_ = srv.Terminate(ctx)
		cancel()
		return nil, err
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		_ = srv.Terminate(ctx)
		cancel()
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		_ = srv.Terminate(ctx)
		cancel()
		return nil, err
	}

	return &Handle{
		Client: client,
		cancel: cancel,
		stop:   srv.Terminate,
	}, nil
}
