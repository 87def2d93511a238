package natsclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/stratcon/errors"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())

	select {
	case <-client.Lost():
	default:
		t.Fatal("Lost must be closed before the first Connect")
	}
}

func TestNewClient_RejectsBadOptions(t *testing.T) {
	for name, opt := range map[string]ClientOption{
		"timeout":        WithTimeout(0),
		"ping interval":  WithPingInterval(-time.Second),
		"max reconnects": WithMaxReconnects(-2),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", opt)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsInvalid(err))
		})
	}
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	client.recordFailure()
	client.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2*time.Second, client.Backoff())

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrCircuitOpen))
	assert.True(t, pkgerrors.IsTransient(err))
}

func TestCircuitBreaker_BackoffCapped(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1),
		WithMaxBackoff(3*time.Second))
	require.NoError(t, err)

	for range 5 {
		client.recordFailure()
	}
	assert.Equal(t, 3*time.Second, client.Backoff())

	client.resetCircuit()
	assert.Equal(t, time.Second, client.Backoff())
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())
	client.testCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestConnect_Unreachable(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTransient(err))
	assert.Equal(t, int32(1), client.Failures())
}

func TestPublish_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "x", []byte("y"))
	assert.True(t, errors.Is(err, pkgerrors.ErrNotConnected))

	err = client.ConsumeSubject(context.Background(), "x", "", func(context.Context, []byte) error { return nil })
	assert.True(t, errors.Is(err, pkgerrors.ErrNotConnected))

	_, err = client.JetStream()
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.NoError(t, client.Close(context.Background()))
	assert.NoError(t, client.Close(context.Background()))

	err = client.Connect(context.Background())
	assert.Error(t, err, "a closed client does not reconnect")
}

func TestDisconnect_KeepsClientUsable(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, client.Connect(ctx))
	assert.NoError(t, client.Disconnect(ctx))

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTransient(err), "dials again rather than refusing")
	assert.Equal(t, int32(2), client.Failures(), "failures survive a disconnect")

	require.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Disconnect(ctx))
	assert.True(t, pkgerrors.IsInvalid(client.Connect(ctx)))
}

func TestHealthCallback(t *testing.T) {
	var calls atomic.Int32
	client, err := NewClient("nats://localhost:4222",
		WithHealthChangeCallback(func(bool) { calls.Add(1) }))
	require.NoError(t, err)

	client.handleClosed(nil)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.True(t, isAlreadyExistsError(errors.New("nats: stream name already in use")))
	assert.True(t, isAlreadyExistsError(errors.New("bucket name already in use")))
	assert.False(t, isAlreadyExistsError(errors.New("timeout")))
}
