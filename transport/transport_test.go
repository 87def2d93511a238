package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
	"github.com/c360/stratcon/transport/transporttest"
)

func TestEndpoints_RoundRobin(t *testing.T) {
	e := transport.NewEndpoints([]string{"a", "b", "c"})
	var got []string
	for i := 0; i < 7; i++ {
		got = append(got, e.Next())
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
	assert.Equal(t, 3, e.Len())

	assert.Equal(t, "", transport.NewEndpoints(nil).Next())
}

func TestConfig_BindingKeys(t *testing.T) {
	tests := []struct {
		name string
		keys []string
		want []string
	}{
		{"unset binds the empty key", nil, []string{""}},
		{"null is the empty key", []string{"check.*", "NULL", " null "}, []string{"check.*", "", ""}},
		{"kept verbatim", []string{"a.b"}, []string{"a.b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transport.Config{RoutingKeys: tt.keys}.BindingKeys())
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := transport.Config{Endpoints: []string{"x"}}.WithDefaults()
	assert.Equal(t, transport.DefaultHeartbeat, cfg.Heartbeat)
	assert.Equal(t, transport.DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, transport.DefaultQueue, cfg.Queue)
	assert.Equal(t, transport.AckAuto, cfg.Ack)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, "reconnoiter-iep1-4242", transport.ExpandQueue(transport.DefaultQueue, "iep1", 4242))
	assert.NotContains(t, cfg.QueueName(), "{")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  transport.Config
	}{
		{"no endpoints", transport.Config{}},
		{"blank endpoint", transport.Config{Endpoints: []string{"a", " "}}},
		{"bad ack", transport.Config{Endpoints: []string{"a"}, Ack: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, pkgerrors.IsFatal(err))
		})
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transport.Disposition
	}{
		{"processed", nil, transport.Ack},
		{"undecodable", pkgerrors.WrapInvalid(pkgerrors.ErrFieldCount, "D", "H", "decode"), transport.Reject},
		{"engine busy", pkgerrors.WrapTransient(errors.New("engine busy"), "D", "H", "send"), transport.Retry},
		{"unclassified", errors.New("boom"), transport.Retry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transport.Settle(tt.err))
		})
	}
	assert.Equal(t, "reject", transport.Reject.String())
}

func TestPublishWithReconnect(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("channel closed")

	t.Run("first attempt succeeds", func(t *testing.T) {
		b := transporttest.New("fake")
		require.NoError(t, b.Connect(ctx))
		require.NoError(t, transport.PublishWithReconnect(ctx, b, "k", []byte("p")))
		assert.Equal(t, 1, b.Connects())
		assert.Equal(t, 0, b.Disconnects())
		assert.Len(t, b.Published(), 1)
	})

	t.Run("reconnects once and retries", func(t *testing.T) {
		b := transporttest.New("fake")
		require.NoError(t, b.Connect(ctx))
		b.FailPublish(boom)

		require.NoError(t, transport.PublishWithReconnect(ctx, b, "noit.alerts.cpu", []byte("p")))
		assert.Equal(t, 2, b.Connects())
		assert.Equal(t, 1, b.Disconnects())
		assert.Equal(t, []transporttest.Published{{Key: "noit.alerts.cpu", Payload: []byte("p")}}, b.Published())
	})

	t.Run("second failure surfaces", func(t *testing.T) {
		b := transporttest.New("fake")
		require.NoError(t, b.Connect(ctx))
		b.FailPublish(boom, boom, boom)

		err := transport.PublishWithReconnect(ctx, b, "k", []byte("p"))
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.True(t, pkgerrors.IsTransient(err))
		assert.Equal(t, 2, b.Connects(), "exactly one reconnect")
		assert.Empty(t, b.Published())
	})

	t.Run("reconnect failure surfaces", func(t *testing.T) {
		b := transporttest.New("fake")
		b.FailConnect(boom)

		err := transport.PublishWithReconnect(ctx, b, "k", []byte("p"))
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, b.Published())
	})
}

func TestRegistry(t *testing.T) {
	r := transport.NewRegistry()
	factory := func(cfg transport.Config, _ *slog.Logger) (transport.Broker, error) {
		return transporttest.New("fake", cfg.Endpoints...), nil
	}
	require.NoError(t, r.Register("fake", factory))
	assert.Error(t, r.Register("fake", factory))
	assert.Error(t, r.Register("", factory))
	assert.Equal(t, []string{"fake"}, r.Kinds())

	b, err := r.New("fake", transport.Config{Endpoints: []string{"a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fake", b.Name())

	_, err = r.New("fake", transport.Config{}, nil)
	assert.True(t, pkgerrors.IsFatal(err), "config is validated")

	_, err = r.New("stomp", transport.Config{Endpoints: []string{"a"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stomp")
}
