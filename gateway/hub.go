package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	onvif "github.com/SridarDhandapani/onvif-session"
)

// allCameras is the topic every event is also published on
const allCameras = "*"

// subscriberBuffer is how many events a slow subscriber may lag before drops
const subscriberBuffer = 64

// Event is one notification as streamed to gateway clients
type Event struct {
	Camera    string            `json:"camera"`
	Topic     string            `json:"topic"`
	UtcTime   string            `json:"utcTime"`
	Operation string            `json:"propertyOperation,omitempty"`
	Source    map[string]string `json:"source,omitempty"`
	Key       map[string]string `json:"key,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

func newEvent(camera string, m onvif.NotificationMessage) Event {
	return Event{
		Camera:    camera,
		Topic:     m.TopicName(),
		UtcTime:   m.Message.UtcTime,
		Operation: m.Message.PropertyOperation,
		Source:    itemMap(m.Message.Source),
		Key:       itemMap(m.Message.Key),
		Data:      itemMap(m.Message.Data),
	}
}

func itemMap(items []onvif.SimpleItem) map[string]string {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		out[item.Name] = item.Value
	}
	return out
}

// Hub owns one session per configured camera and fans their events out to
// subscribers
type Hub struct {
	log     zerolog.Logger
	configs map[string]CameraConfig
	cameras map[string]*onvif.Camera
	backoff time.Duration
	stall   int

	mu     sync.Mutex
	bus    *pubsub.PubSub[string, Event]
	closed bool
}

// NewHub builds sessions for every camera in cfg. Nothing is contacted until used.
func NewHub(cfg *Config, log zerolog.Logger) *Hub {
	h := &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		configs: make(map[string]CameraConfig, len(cfg.Cameras)),
		cameras: make(map[string]*onvif.Camera, len(cfg.Cameras)),
		backoff: cfg.Events.RestartBackoff,
		stall:   cfg.Events.StallLimit,
		bus:     pubsub.New[string, Event](subscriberBuffer),
	}
	if h.backoff <= 0 {
		h.backoff = DefaultConfig().Events.RestartBackoff
	}
	if h.stall <= 0 {
		h.stall = DefaultConfig().Events.StallLimit
	}

	for _, cc := range cfg.Cameras {
		client := onvif.NewClientWithTimeout(cc.Username, cc.Password, cfg.Timeout)
		client.InsecureTLS = cfg.InsecureTLS
		client.Logger = log.With().Str("camera", cc.ID).Logger()

		h.configs[cc.ID] = cc
		h.cameras[cc.ID] = onvif.NewCameraWithURL(cc.DeviceURL(), client,
			onvif.WithServiceTTL(cfg.ServiceTTL),
			onvif.WithEventOptions(cfg.Events.Options()),
		)
	}
	return h
}

// IDs returns the configured camera ids, sorted
func (h *Hub) IDs() []string {
	ids := make([]string, 0, len(h.cameras))
	for id := range h.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Camera returns the session for id
func (h *Hub) Camera(id string) (*onvif.Camera, bool) {
	cam, ok := h.cameras[id]
	return cam, ok
}

// Config returns the configuration of camera id
func (h *Hub) Config(id string) (CameraConfig, bool) {
	cc, ok := h.configs[id]
	return cc, ok
}

// Subscribe returns a channel receiving events of camera id, or of every
// camera when id is empty. The channel is closed on Unsubscribe or shutdown.
func (h *Hub) Subscribe(id string) (chan Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub is shut down")
	}
	return h.bus.Sub(topic(id)), nil
}

// Unsubscribe releases a channel returned by Subscribe
func (h *Hub) Unsubscribe(ch chan Event, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.bus.Unsub(ch, topic(id))
}

func topic(id string) string {
	if id == "" {
		return allCameras
	}
	return id
}

// publish drops events for subscribers whose buffer is full
func (h *Hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.bus.TryPub(e, e.Camera, allCameras)
}

// Run keeps an event subscription alive for every camera with events
// enabled until ctx is done, then releases every session.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range h.IDs() {
		if !h.configs[id].Events {
			continue
		}
		id := id
		g.Go(func() error {
			h.supervise(ctx, id)
			return nil
		})
	}
	err := g.Wait()
	h.shutdown()
	return err
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		h.bus.Shutdown()
	}
	h.mu.Unlock()

	for id, cam := range h.cameras {
		if err := cam.Close(); err != nil {
			h.log.Debug().Err(err).Str("camera", id).Msg("close failed")
		}
	}
}

// supervise restarts the camera's subscription after h.backoff whenever it
// cannot be started or stops delivering
func (h *Hub) supervise(ctx context.Context, id string) {
	log := h.log.With().Str("camera", id).Logger()
	for {
		err := h.receive(ctx, id)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("backoff", h.backoff).Msg("event subscription unavailable")

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.backoff):
		}
	}
}

// receive runs one event service until ctx is done. Every h.backoff it checks
// the service and gives up once h.stall pulls in a row have failed, which is
// what a device that rebooted and forgot its pull point looks like.
func (h *Hub) receive(ctx context.Context, id string) error {
	events := h.cameras[id].GetEventService(ctx)
	if events == nil {
		return errors.NotSupportedf("event service")
	}
	defer events.Close()

	err := events.StartReceiving(ctx, func(batch []onvif.NotificationMessage) {
		for _, m := range batch {
			h.publish(newEvent(id, m))
		}
	})
	if err != nil {
		return errors.Annotate(err, "failed to start receiving")
	}
	h.log.Info().Str("camera", id).Msg("receiving events")

	ticker := time.NewTicker(h.backoff)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := events.ConsecutiveFailures(); n >= h.stall {
				return errors.Errorf("subscription stalled after %d failed pulls", n)
			}
		}
	}
}
