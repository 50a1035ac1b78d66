package main

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/runtimeline/pkg/api"
	"github.com/go-go-golems/runtimeline/pkg/config"
	"github.com/go-go-golems/runtimeline/pkg/persistence/clientstore"
	"github.com/go-go-golems/runtimeline/pkg/redisstream"
	"github.com/go-go-golems/runtimeline/pkg/timeline"
	"github.com/go-go-golems/runtimeline/pkg/transport/pubsub"
	"github.com/go-go-golems/runtimeline/pkg/transport/ws"
)

func storageDSNForFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return clientstore.SQLiteDSNForFile(path)
}

func newAPIClient(cfg config.Config) (*api.Client, error) {
	return api.NewClient(api.Config{BaseURL: cfg.BaseURL, RetryMax: cfg.RetryMax})
}

// liveFeed is the transport of a watch session together with the loop that keeps it connected.
type liveFeed struct {
	transport timeline.Transport
	// run blocks until ctx is done. nil when the transport needs no loop.
	run   func(ctx context.Context) error
	ready func(ctx context.Context) error
	close func()
}

func newLiveFeed(ctx context.Context, cfg config.Config) (*liveFeed, error) {
	if cfg.Redis.Enabled {
		return newRedisFeed(ctx, cfg.Redis)
	}
	url, err := cfg.ResolvedWSURL()
	if err != nil {
		return nil, err
	}
	client, err := ws.NewClient(ws.Config{URL: url})
	if err != nil {
		return nil, err
	}
	return &liveFeed{
		transport: client,
		run:       client.Run,
		ready: func(ctx context.Context) error {
			return waitConnected(ctx, client, 10*time.Second)
		},
		close: func() {},
	}, nil
}

func newRedisFeed(_ context.Context, s redisstream.Settings) (*liveFeed, error) {
	client := redisstream.NewClient(s)
	sub, err := redisstream.BuildSubscriber(client, s)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	tr, err := pubsub.NewTransport(sub, pubsub.WithBeforeSubscribe(func(ctx context.Context, topic string) error {
		return redisstream.EnsureGroupAtTail(ctx, client, topic, s.Group)
	}))
	if err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, err
	}
	log.Info().Str("component", "cli").Str("addr", s.Addr).Str("group", s.Group).Msg("using redis streams live feed")
	return &liveFeed{
		transport: tr,
		ready:     func(context.Context) error { return nil },
		close: func() {
			tr.Close()
			closeQuietly(sub)
			_ = client.Close()
		},
	}, nil
}

func closeQuietly(sub message.Subscriber) {
	if err := sub.Close(); err != nil {
		log.Debug().Err(err).Str("component", "cli").Msg("closing subscriber")
	}
}

// waitConnected gives the websocket a moment to connect so the initial load is not followed by
// an unnoticed gap. On timeout the view opens anyway and the first reconnect catches up.
func waitConnected(ctx context.Context, c *ws.Client, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !c.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			log.Warn().Str("component", "cli").Dur("timeout", timeout).Msg("live feed not connected yet, opening run anyway")
			return nil
		case <-tick.C:
		}
	}
	return nil
}

func openView(ctx context.Context, cfg config.Config, apiClient *api.Client, tr timeline.Transport, storage clientstore.KV) (*timeline.RunView, error) {
	viewport, err := cfg.ViewportClass()
	if err != nil {
		return nil, err
	}
	view, err := timeline.NewRunView(timeline.RunViewConfig{
		BaseCtx:         ctx,
		API:             apiClient,
		Transport:       tr,
		Storage:         storage,
		PageSize:        cfg.PageSize,
		MaxCatchUpPages: cfg.MaxCatchUpPages,
		CatchUpFallback: cfg.CatchUpFallback,
		MaxEvents:       cfg.MaxEvents,
		Viewport:        viewport,
	})
	return view, errors.Wrap(err, "create run view")
}
