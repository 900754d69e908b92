// Package transports registers every built-in transport. Import it for its
// side effects.
package transports

import (
	_ "github.com/drblury/outboxflow/transport/aws"
	_ "github.com/drblury/outboxflow/transport/channel"
	_ "github.com/drblury/outboxflow/transport/http"
	_ "github.com/drblury/outboxflow/transport/kafka"
	_ "github.com/drblury/outboxflow/transport/nats"
	_ "github.com/drblury/outboxflow/transport/rabbitmq"
)
