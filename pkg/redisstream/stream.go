package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewClient returns a go-redis client for s.Addr.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr})
}

// BuildSubscriber returns a Redis Streams subscriber bound to the configured consumer group.
func BuildSubscriber(client redis.UniversalClient, s Settings) (message.Subscriber, error) {
	if client == nil {
		return nil, errors.New("redisstream: client is nil")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: build subscriber")
	}
	return sub, nil
}

func BuildPublisher(client redis.UniversalClient) (message.Publisher, error) {
	if client == nil {
		return nil, errors.New("redisstream: client is nil")
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: build publisher")
	}
	return pub, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if it doesn't exist,
// so a new viewer does not replay the whole stream. Missed history comes from REST catch-up.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
