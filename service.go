package onvif

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// Service is a resolved, opened service handle
type Service interface {
	Capability() Capability
	Namespace() string
	Endpoint() string
	Close() error
}

// ServiceEnv is everything a service constructor needs
type ServiceEnv struct {
	Endpoint  string
	Namespace string
	// DeviceURL is the device service used as the authentication time source;
	// when empty the service endpoint is asked instead
	DeviceURL string
	Client    *Client
	Events    EventOptions
	Logger    zerolog.Logger
}

func (e ServiceEnv) timeSource() string {
	if e.DeviceURL != "" {
		return e.DeviceURL
	}
	return e.Endpoint
}

func (e ServiceEnv) logger() zerolog.Logger {
	return e.Logger.With().Str("service", e.Namespace).Logger()
}

// serviceBase owns one authenticated transport. Calls re-run the device time
// handshake once the token lapses and retry once after an auth fault.
type serviceBase struct {
	endpoint   string
	namespace  string
	timeSource string
	factory    *clientFactory
	log        zerolog.Logger

	mu        sync.Mutex
	transport Transport
	token     *SecurityToken
	closed    bool
}

func newServiceBase(env ServiceEnv) *serviceBase {
	log := env.logger()
	return &serviceBase{
		endpoint:   env.Endpoint,
		namespace:  env.Namespace,
		timeSource: env.timeSource(),
		factory:    newClientFactory(env.Client, log),
		log:        log,
	}
}

// open performs the handshake and opens the transport
func (b *serviceBase) open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.currentLocked(ctx)
	return err
}

func (b *serviceBase) currentLocked(ctx context.Context) (Transport, error) {
	if b.closed {
		return nil, errors.Errorf("service %s closed", b.endpoint)
	}
	if b.factory == nil {
		if b.transport == nil {
			return nil, errors.Errorf("service %s not initialized", b.endpoint)
		}
		return b.transport, nil
	}

	b.factory.Authenticate(ctx, b.timeSource)
	token := b.factory.tokens.Current(b.factory.now())
	if b.transport == nil || token != b.token {
		if b.transport != nil {
			b.transport.Close()
		}
		b.transport = b.factory.NewTransport(EndpointReference{Address: b.endpoint})
		b.token = token
	}
	if b.transport.State() != CommunicationOpened {
		if b.transport.State() == CommunicationClosed {
			b.transport = b.factory.NewTransport(EndpointReference{Address: b.endpoint})
		}
		if err := b.transport.Open(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return b.transport, nil
}

func (b *serviceBase) call(ctx context.Context, action string, request, response interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	transport, err := b.currentLocked(ctx)
	if err != nil {
		return err
	}
	err = transport.Call(ctx, action, request, response)
	if err == nil || b.factory == nil || !errors.Is(err, errors.Unauthorized) {
		return err
	}

	b.log.Debug().Err(err).Str("action", action).Msg("token rejected, repeating handshake")
	b.factory.tokens.Clear()
	if transport, err = b.currentLocked(ctx); err != nil {
		return err
	}
	return transport.Call(ctx, action, request, response)
}

func (b *serviceBase) Namespace() string { return b.namespace }
func (b *serviceBase) Endpoint() string  { return b.endpoint }

func (b *serviceBase) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}
