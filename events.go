package onvif

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// EventOptions tunes a pull-point subscription. Zero fields take the defaults.
type EventOptions struct {
	// TerminationTime is requested on subscribe and on every renew
	TerminationTime time.Duration
	// PullTimeout is how long the device may hold a PullMessages call
	PullTimeout  time.Duration
	MessageLimit int
	// RenewInterval defaults to half of TerminationTime
	RenewInterval      time.Duration
	RetryBackoff       time.Duration
	UnsubscribeTimeout time.Duration
}

// DefaultEventOptions returns the options used when none are given
func DefaultEventOptions() EventOptions {
	return EventOptions{}.withDefaults()
}

func (o EventOptions) withDefaults() EventOptions {
	if o.TerminationTime <= 0 {
		o.TerminationTime = DefaultTerminationTime
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = DefaultPullTimeout
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = DefaultMessageLimit
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = o.TerminationTime / 2
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.UnsubscribeTimeout <= 0 {
		o.UnsubscribeTimeout = DefaultUnsubscribeTimeout
	}
	return o
}

// SubscriptionState is where an EventService is in its subscription lifecycle
type SubscriptionState int32

const (
	Unsubscribed SubscriptionState = iota
	Subscribing
	Active
	Renewing
	Reconnecting
	Unsubscribing
)

func (s SubscriptionState) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	case Renewing:
		return "renewing"
	case Reconnecting:
		return "reconnecting"
	case Unsubscribing:
		return "unsubscribing"
	}
	return "unknown"
}

// Subscription is the device-side pull point
type Subscription struct {
	Address             string
	ReferenceParameters []*etree.Element
	TerminationTime     time.Time
	LastRenewAt         time.Time
}

// EventHandler receives each non-empty batch of pulled notifications. Batches
// are delivered one at a time and the next pull waits for the handler to
// return. A handler may call StopReceiving or Close on its own service.
// StopReceiving does not wait for a handler that is still running.
type EventHandler func(messages []NotificationMessage)

// EventService owns one pull-point subscription and the three transports it
// talks through: the event port, the pull point and the subscription manager.
// A service supports one subscription at a time.
type EventService struct {
	endpoint   string
	namespace  string
	timeSource string
	factory    *clientFactory
	opts       EventOptions
	log        zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	state     SubscriptionState
	sub       *Subscription
	eventPort Transport
	pullPoint Transport
	manager   Transport
	token     *SecurityToken
	portToken *SecurityToken
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
	failures  int
}

func newEventService(ctx context.Context, env ServiceEnv) (Service, error) {
	e := &EventService{
		endpoint:   env.Endpoint,
		namespace:  env.Namespace,
		timeSource: env.timeSource(),
		factory:    newClientFactory(env.Client, env.logger()),
		opts:       env.Events.withDefaults(),
		log:        env.logger().With().Str("component", "events").Logger(),
		now:        time.Now,
	}

	port, err := e.eventPortTransport(ctx)
	if err != nil {
		return nil, err
	}
	if err := port.Open(ctx); err != nil {
		return nil, errors.Annotatef(err, "open event port %s", e.endpoint)
	}
	return e, nil
}

// eventPortTransport returns the event port transport, rebuilt when the
// security token changed since it was made
func (e *EventService) eventPortTransport(ctx context.Context) (Transport, error) {
	e.factory.Authenticate(ctx, e.timeSource)
	token := e.factory.tokens.Current(e.factory.now())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Errorf("event service %s closed", e.endpoint)
	}
	if e.eventPort == nil || token != e.portToken || e.eventPort.State() == CommunicationClosed {
		if e.eventPort != nil {
			e.eventPort.Close()
		}
		e.eventPort = e.factory.NewTransport(EndpointReference{Address: e.endpoint})
		e.portToken = token
	}
	return e.eventPort, nil
}

func (e *EventService) Capability() Capability { return CapabilityEvent }
func (e *EventService) Namespace() string      { return e.namespace }
func (e *EventService) Endpoint() string       { return e.endpoint }

// Options returns the effective subscription options
func (e *EventService) Options() EventOptions { return e.opts }

// State returns the current subscription state
func (e *EventService) State() SubscriptionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *EventService) setState(s SubscriptionState) {
	e.mu.Lock()
	if e.state != s {
		e.log.Trace().Stringer("from", e.state).Stringer("to", s).Msg("subscription state")
	}
	e.state = s
	e.mu.Unlock()
}

// Subscription returns a copy of the active subscription
func (e *EventService) Subscription() (Subscription, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == nil {
		return Subscription{}, false
	}
	return *e.sub, true
}

// ConsecutiveFailures counts the pull or renew attempts that failed since the
// last successful pull
func (e *EventService) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// StartReceiving creates a pull-point subscription and starts the goroutine
// that pulls and renews it until StopReceiving is called or ctx is done.
// It fails when a subscription is already running.
func (e *EventService) StartReceiving(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return errors.NotValidf("nil event handler")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.Errorf("event service %s closed", e.endpoint)
	}
	if e.state != Unsubscribed {
		state := e.state
		e.mu.Unlock()
		return errors.Errorf("subscription already %s", state)
	}
	e.state = Subscribing
	e.mu.Unlock()

	if err := e.subscribe(ctx); err != nil {
		e.setState(Unsubscribed)
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.unsubscribe(ctx)
		return errors.Errorf("event service %s closed", e.endpoint)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.failures = 0
	e.state = Active
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go e.receive(loopCtx, handler, done)
	return nil
}

// StopReceiving cancels the receive goroutine and waits for it to exit. The
// goroutine unsubscribes once on the way out. Safe to call when not running
// and from inside the handler.
func (e *EventService) StopReceiving() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops receiving and closes every transport. It never fails.
func (e *EventService) Close() error {
	e.StopReceiving()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, t := range []Transport{e.eventPort, e.pullPoint, e.manager} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			e.log.Debug().Err(err).Str("endpoint", t.Endpoint().Address).Msg("close failed")
		}
	}
	e.pullPoint, e.manager = nil, nil
	return nil
}

func (e *EventService) subscribe(ctx context.Context) error {
	port, err := e.eventPortTransport(ctx)
	if err != nil {
		return err
	}
	if err := ensureOpen(ctx, port); err != nil {
		return errors.Annotate(err, "event port")
	}

	var resp createPullPointSubscriptionResponse
	req := &createPullPointSubscription{InitialTerminationTime: formatDuration(e.opts.TerminationTime)}
	if err := port.Call(ctx, actionCreatePullPointSubscription, req, &resp); err != nil {
		return errors.Annotate(err, "failed to create pull point subscription")
	}
	if resp.SubscriptionReference.Address == "" {
		return errors.Errorf("subscription reply from %s has no address", e.endpoint)
	}

	sub := &Subscription{
		Address:             resp.SubscriptionReference.Address,
		ReferenceParameters: resp.referenceParameters,
		TerminationTime:     parseDateTime(resp.TerminationTime),
		LastRenewAt:         e.now(),
	}

	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	if _, _, err := e.subscriptionTransports(ctx); err != nil {
		e.mu.Lock()
		e.sub = nil
		e.mu.Unlock()
		return err
	}

	e.log.Info().
		Str("address", sub.Address).
		Time("terminationTime", sub.TerminationTime).
		Msg("subscribed")
	return nil
}

// subscriptionTransports returns opened pull point and manager transports.
// They are rebuilt whenever the security token changed, so long running
// subscriptions keep a fresh digest.
func (e *EventService) subscriptionTransports(ctx context.Context) (Transport, Transport, error) {
	e.factory.Authenticate(ctx, e.timeSource)
	token := e.factory.tokens.Current(e.factory.now())

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, errors.Errorf("event service %s closed", e.endpoint)
	}
	if e.sub == nil {
		return nil, nil, errors.Errorf("no subscription")
	}
	ref := EndpointReference{Address: e.sub.Address, ReferenceParameters: e.sub.ReferenceParameters}

	if e.pullPoint == nil || e.manager == nil || token != e.token {
		for _, t := range []Transport{e.pullPoint, e.manager} {
			if t != nil {
				t.Close()
			}
		}
		e.pullPoint = e.factory.NewTransport(ref)
		e.manager = e.factory.NewTransport(ref)
		e.token = token
	}

	for _, t := range []*Transport{&e.pullPoint, &e.manager} {
		if (*t).State() == CommunicationClosed {
			*t = e.factory.NewTransport(ref)
		}
		if err := ensureOpen(ctx, *t); err != nil {
			return nil, nil, errors.Annotatef(err, "open subscription %s", ref.Address)
		}
	}
	return e.pullPoint, e.manager, nil
}

func (e *EventService) receive(ctx context.Context, handler EventHandler, done chan struct{}) {
	defer close(done)
	defer e.unsubscribe(ctx)

	for ctx.Err() == nil {
		err := e.poll(ctx, handler)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		e.failures++
		e.mu.Unlock()
		e.setState(Reconnecting)
		if errors.Is(err, errors.Unauthorized) {
			e.factory.tokens.Clear()
		}
		e.log.Warn().Err(err).Dur("backoff", e.opts.RetryBackoff).Msg("event pull failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.RetryBackoff):
		}
	}
}

// poll runs one pull and, when due, one renew
func (e *EventService) poll(ctx context.Context, handler EventHandler) error {
	pull, manager, err := e.subscriptionTransports(ctx)
	if err != nil {
		return err
	}

	var resp pullMessagesResponse
	req := &pullMessages{Timeout: formatDuration(e.opts.PullTimeout), MessageLimit: e.opts.MessageLimit}
	if err := pull.Call(ctx, actionPullMessages, req, &resp); err != nil {
		return errors.Annotate(err, "failed to pull messages")
	}
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	e.setState(Active)

	if len(resp.NotificationMessage) > 0 {
		e.log.Debug().Int("count", len(resp.NotificationMessage)).Msg("notifications")
		dispatch(ctx, handler, resp.NotificationMessage)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	due := e.sub != nil && e.now().Sub(e.sub.LastRenewAt) > e.opts.RenewInterval
	e.mu.Unlock()
	if !due {
		return nil
	}

	e.setState(Renewing)
	var renewed renewResponse
	if err := manager.Call(ctx, actionRenew, &renew{TerminationTime: formatDuration(e.opts.TerminationTime)}, &renewed); err != nil {
		return errors.Annotate(err, "failed to renew subscription")
	}

	e.mu.Lock()
	if e.sub != nil {
		e.sub.LastRenewAt = e.now()
		if t := parseDateTime(renewed.TerminationTime); !t.IsZero() {
			e.sub.TerminationTime = t
		}
	}
	e.state = Active
	e.mu.Unlock()
	e.log.Debug().Msg("subscription renewed")
	return nil
}

// unsubscribe makes one best effort attempt to release the pull point
func (e *EventService) unsubscribe(ctx context.Context) {
	e.setState(Unsubscribing)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.UnsubscribeTimeout)
	defer cancel()

	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()

	if manager != nil {
		err := ensureOpen(ctx, manager)
		if err == nil {
			err = manager.Call(ctx, actionUnsubscribe, &unsubscribe{}, nil)
		}
		if err != nil {
			e.log.Warn().Err(err).Msg("unsubscribe failed")
		} else {
			e.log.Info().Msg("unsubscribed")
		}
	}

	e.mu.Lock()
	for _, t := range []Transport{e.pullPoint, e.manager} {
		if t != nil {
			t.Close()
		}
	}
	e.pullPoint, e.manager, e.token = nil, nil, nil
	e.sub = nil
	e.state = Unsubscribed
	e.mu.Unlock()
}

// dispatch runs handler on its own goroutine and waits until it returns or
// ctx is done, so a handler stopping its own subscription cannot block the loop
func dispatch(ctx context.Context, handler EventHandler, messages []NotificationMessage) {
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		handler(messages)
	}()
	select {
	case <-handled:
	case <-ctx.Done():
	}
}

// ensureOpen opens t unless it already is
func ensureOpen(ctx context.Context, t Transport) error {
	if t.State() == CommunicationOpened {
		return nil
	}
	return t.Open(ctx)
}
