// Package brokerregistry registers every broker implementation shipped with
// stratcon.
package brokerregistry

import (
	"errors"

	pkgerrors "github.com/c360/stratcon/errors"
	"github.com/c360/stratcon/transport"
	"github.com/c360/stratcon/transport/amqpbroker"
	"github.com/c360/stratcon/transport/natsbroker"
	"github.com/c360/stratcon/transport/redisbroker"
)

// Register adds the amqp, nats and redis factories to registry
func Register(registry *transport.Registry) error {
	if registry == nil {
		return pkgerrors.WrapFatal(errors.New("registry cannot be nil"),
			"BrokerRegistry", "Register", "registry validation")
	}
	if err := amqpbroker.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "BrokerRegistry", "Register", "AMQP broker registration")
	}
	if err := natsbroker.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "BrokerRegistry", "Register", "NATS broker registration")
	}
	if err := redisbroker.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "BrokerRegistry", "Register", "Redis broker registration")
	}
	return nil
}
