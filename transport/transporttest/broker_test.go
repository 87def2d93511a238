package transporttest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
)

func TestBroker_ConsumeUntilSevered(t *testing.T) {
	b := New("fake", "a", "b")
	ctx := context.Background()

	err := b.Consume(ctx, transport.HandlerFunc(func(context.Context, []byte) error { return nil }))
	assert.ErrorIs(t, err, pkgerrors.ErrNotConnected)

	require.NoError(t, b.Connect(ctx))
	got := make(chan string, 2)
	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, transport.HandlerFunc(func(_ context.Context, p []byte) error {
			got <- string(p)
			if string(p) == "bad" {
				return errors.New("bad")
			}
			return nil
		}))
	}()

	b.Deliver([]byte("ok"))
	b.Deliver([]byte("bad"))
	assert.Equal(t, "ok", <-got)
	assert.Equal(t, "bad", <-got)

	b.Sever()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, pkgerrors.ErrConnectionLost)
		assert.True(t, pkgerrors.IsTransient(err))
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after Sever")
	}

	results := b.Results()
	require.Len(t, results, 2)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])

	require.NoError(t, b.Connect(ctx))
	assert.Equal(t, []string{"a", "b"}, b.Dialed())
}

func TestBroker_ConsumeReturnsNilOnCancel(t *testing.T) {
	b := New("fake")
	require.NoError(t, b.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, b.Consume(ctx, transport.HandlerFunc(func(context.Context, []byte) error { return nil })))
}

func TestBroker_ScriptedFailures(t *testing.T) {
	b := New("fake")
	ctx := context.Background()
	b.FailConnect(errors.New("refused"), nil)

	assert.Error(t, b.Connect(ctx))
	assert.False(t, b.Connected())
	require.NoError(t, b.Connect(ctx))
	assert.True(t, b.Connected())

	b.FailPublish(errors.New("nope"))
	assert.Error(t, b.Publish(ctx, "k", nil))
	assert.NoError(t, b.Publish(ctx, "k", []byte("x")))

	require.NoError(t, b.Disconnect(ctx))
	assert.Error(t, b.Publish(ctx, "k", nil))
	assert.NoError(t, b.Disconnect(ctx), "disconnect is idempotent")
	assert.Equal(t, 2, b.Disconnects())
}
