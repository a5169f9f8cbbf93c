// Package redisstore wires the shared redis store that the daemon and
// the differ workers communicate through.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Config struct {
	URL      string
	Password string
}

func NewClient(cfg Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	return redis.NewClient(opt), nil
}

// ErrStop signals Consume to exit without an error.
var ErrStop = errors.New("stop consuming")

// Consume subscribes to channel and repeatedly invokes work with a
// channel of incoming messages. Work is re-invoked with exponential
// backoff when the store is unreachable, matching a worker that must
// outlive redis restarts.
func Consume(ctx context.Context, log logrus.FieldLogger, client *redis.Client, channel string, work func(ctx context.Context, messages <-chan *redis.Message) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0

	for {
		pubsub := client.Subscribe(ctx, channel)
		log.Infof("subscribed to %s", channel)
		err := work(ctx, pubsub.Channel())
		_ = pubsub.Close()

		switch {
		case err == nil:
			b.Reset()
			continue
		case errors.Is(err, ErrStop), errors.Is(err, context.Canceled):
			return nil
		case ctx.Err() != nil:
			return nil
		}

		wait := b.NextBackOff()
		log.Warnf("redis consume failed, retrying in %s: %v", wait, err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
