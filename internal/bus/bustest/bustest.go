// Package bustest starts an embedded NATS server and a connected client for
// tests that exercise services over a real bus.
package bustest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Connect starts an embedded server on a free port and returns a client
// connected to it. Both are torn down when the test ends.
func Connect(t testing.TB) *bus.Client {
	t.Helper()
	log := Logger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// Collect subscribes to subject and decodes every message into a T, sent on
// the returned channel.
func Collect[T any](t testing.TB, client *bus.Client, subject string) <-chan T {
	t.Helper()
	out := make(chan T, 64)
	sub, err := client.Conn().Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			t.Errorf("decode %s: %v", subject, err)
			return
		}
		out <- v
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return out
}

// Publish encodes v and flushes so the server has it before returning.
func Publish(t testing.TB, client *bus.Client, subject string, v any) {
	t.Helper()
	if err := client.PublishJSON(subject, v); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// Receive waits for one value or fails the test after timeout.
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("no message within %s", timeout)
		return zero
	}
}
