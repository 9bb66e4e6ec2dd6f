package listener

import (
	"context"
	"errors"
	"io"

	"github.com/matst80/iaptunnel/internal/relay"
	"github.com/matst80/iaptunnel/internal/stream"
)

// Connector opens the remote side of a tunnel. The returned stream accepts
// arbitrary read and write sizes and lives until closed or ctx is cancelled.
type Connector interface {
	Open(ctx context.Context, dest relay.Destination) (io.ReadWriteCloser, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, dest relay.Destination) (io.ReadWriteCloser, error)

func (f ConnectorFunc) Open(ctx context.Context, dest relay.Destination) (io.ReadWriteCloser, error) {
	return f(ctx, dest)
}

// RelayConnector opens relay sessions through an Endpoint built from a
// template configuration.
type RelayConnector struct {
	// Endpoint is copied for every tunnel with Target set to the destination.
	Endpoint relay.EndpointConfig
	Session  relay.Options
}

func (c *RelayConnector) Open(ctx context.Context, dest relay.Destination) (io.ReadWriteCloser, error) {
	cfg := c.Endpoint
	cfg.Target = dest
	ep, err := relay.NewEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	s, err := relay.Open(ctx, ep, c.Session)
	if err != nil {
		return nil, err
	}
	return &relayStream{Adapter: stream.New(s), session: s}, nil
}

// relayStream is the stream handed to the pump. It also reports the counters
// of the session underneath.
type relayStream struct {
	*stream.Adapter
	session *relay.Session
}

func (r *relayStream) SessionStats() relay.SessionStats { return r.session.Stats() }

// errorType labels an error for the errors_total metric.
func errorType(err error) string {
	switch {
	case errors.Is(err, relay.ErrInvalidEndpoint):
		return "invalid_endpoint"
	case errors.Is(err, relay.ErrAuthentication):
		return "authentication"
	case errors.Is(err, relay.ErrConnectionRejected):
		return "connection_rejected"
	case errors.Is(err, relay.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, relay.ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, relay.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	var ue *relay.UnacknowledgedError
	if errors.As(err, &ue) {
		return "unacknowledged"
	}
	var ce *relay.CloseError
	if errors.As(err, &ce) {
		return "relay_close"
	}
	return "other"
}
