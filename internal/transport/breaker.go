package transport

import (
	"context"
	"errors"

	"github.com/nickman/hfwd/internal/channel"
	"github.com/nickman/hfwd/internal/circuitbreaker"
	hferrors "github.com/nickman/hfwd/internal/errors"
	"github.com/nickman/hfwd/internal/metrics"
	"github.com/nickman/hfwd/pkg/logger"
)

// Breaker guards each remote endpoint of a transport with its own circuit
// breaker. Channel opens to an endpoint that keeps failing are refused
// locally until the breaker lets a trial through.
type Breaker struct {
	Transport
	group *circuitbreaker.Group
}

// NewBreaker wraps t. A nil cfg uses circuitbreaker.DefaultConfig.
func NewBreaker(t Transport, cfg *circuitbreaker.Config, log *logger.Logger, m *metrics.Collector) *Breaker {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithStr("component", "breaker")

	onChange := func(name string, from, to circuitbreaker.State) {
		m.SetCircuitBreakerState(name, int(to))
		if to == circuitbreaker.StateOpen {
			m.RecordCircuitBreakerTrip(name)
		}
		log.Info().
			Str("remote", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}

	return &Breaker{
		Transport: t,
		group:     circuitbreaker.NewGroup(cfg, onChange),
	}
}

// OpenChannel opens through the wrapped transport unless the endpoint's
// breaker is open. A closed transport does not count against the endpoint.
func (b *Breaker) OpenChannel(ctx context.Context, remote, origin channel.Endpoint) (channel.Channel, error) {
	cb := b.group.Get(remote.String())

	var (
		ch      channel.Channel
		openErr error
	)
	err := cb.Execute(ctx, func(ctx context.Context) error {
		ch, openErr = b.Transport.OpenChannel(ctx, remote, origin)
		if errors.Is(openErr, hferrors.ErrTransportClosed) {
			return context.Canceled
		}
		return openErr
	})
	if openErr != nil {
		return nil, openErr
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Stats returns the state of every endpoint breaker.
func (b *Breaker) Stats() []circuitbreaker.Stats {
	return b.group.Stats()
}

// Unwrap returns the wrapped transport.
func (b *Breaker) Unwrap() Transport {
	return b.Transport
}
