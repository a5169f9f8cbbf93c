package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	r := require.New(t)

	client, err := NewClient(Config{URL: "redis://localhost:6379/2"})
	r.NoError(err)
	r.Equal(2, client.Options().DB)

	client, err = NewClient(Config{URL: "redis://localhost:6379", Password: "hunter2"})
	r.NoError(err)
	r.Equal("hunter2", client.Options().Password)

	_, err = NewClient(Config{URL: "not a url"})
	r.Error(err)
}

func TestConsumeDeliversMessages(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	received := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, logrus.New(), client, "test:channel", func(ctx context.Context, messages <-chan *redis.Message) error {
			msg := <-messages
			received <- msg.Payload
			return ErrStop
		})
	}()

	// The subscription races with the publish; retry until it lands.
	r.Eventually(func() bool {
		r.NoError(client.Publish(ctx, "test:channel", "ping").Err())
		select {
		case payload := <-received:
			r.Equal("ping", payload)
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	r.NoError(<-done)
}

func TestConsumeStopsOnCancel(t *testing.T) {
	r := require.New(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, logrus.New(), client, "test:channel", func(ctx context.Context, messages <-chan *redis.Message) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	cancel()
	select {
	case err := <-done:
		r.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}

func TestConsumeResubscribes(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// A clean return re-subscribes immediately, without backoff.
	calls := 0
	err := Consume(ctx, logrus.New(), client, "test:channel", func(ctx context.Context, messages <-chan *redis.Message) error {
		calls++
		if calls < 3 {
			return nil
		}
		return ErrStop
	})
	r.NoError(err)
	r.Equal(3, calls)
}
