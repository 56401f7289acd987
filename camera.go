package onvif

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Camera is a session with one ONVIF device. It fetches the service map
// once, hands out cached service handles and owns everything it caches.
type Camera struct {
	deviceURL string
	client    *Client
	log       zerolog.Logger
	ttl       time.Duration
	events    EventOptions

	factory  *clientFactory
	resolver *Resolver
	cache    *ServiceCache

	group    singleflight.Group
	mu       sync.RWMutex
	services ServiceMap
}

// Option configures a Camera
type Option func(*Camera)

// WithServiceTTL sets how long resolved service handles are reused
func WithServiceTTL(ttl time.Duration) Option {
	return func(c *Camera) { c.ttl = ttl }
}

// WithEventOptions sets the options of event services handed out by the camera
func WithEventOptions(opts EventOptions) Option {
	return func(c *Camera) { c.events = opts }
}

// WithLogger overrides the client's logger for this camera
func WithLogger(log zerolog.Logger) Option {
	return func(c *Camera) { c.log = log }
}

// NewCamera creates a session for the device service at ip:port
func NewCamera(ip string, port int, client *Client, opts ...Option) *Camera {
	return NewCameraWithURL(CreateURL(ip, port), client, opts...)
}

// NewCameraWithURL creates a session for the device service at deviceURL
func NewCameraWithURL(deviceURL string, client *Client, opts ...Option) *Camera {
	if client == nil {
		client = NewClient("", "")
	}
	c := &Camera{
		deviceURL: deviceURL,
		client:    client,
		log:       client.Logger,
		ttl:       DefaultServiceTTL,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.With().Str("device", deviceURL).Logger()
	c.factory = newClientFactory(client, c.log)
	c.resolver = NewResolver(client, deviceURL, c.events, c.log)
	c.cache = NewServiceCache(c.resolver, c.ttl)
	return c
}

// DeviceURL returns the device service address
func (c *Camera) DeviceURL() string { return c.deviceURL }

// GetServices returns the device's service map. The first non-empty result
// is kept for the life of the session; concurrent callers share one fetch.
// A failed or empty fetch is not kept, so the next call asks again.
func (c *Camera) GetServices(ctx context.Context) (ServiceMap, error) {
	c.mu.RLock()
	services := c.services
	c.mu.RUnlock()
	if services != nil {
		return copyServices(services), nil
	}

	v, err, _ := c.group.Do("services", func() (interface{}, error) {
		c.mu.RLock()
		memo := c.services
		c.mu.RUnlock()
		if memo != nil {
			return memo, nil
		}

		services, err := c.fetchServices(ctx)
		if errors.Is(err, errors.Unauthorized) {
			c.log.Debug().Err(err).Msg("service map rejected, repeating handshake")
			c.factory.tokens.Clear()
			services, err = c.fetchServices(ctx)
		}
		if err != nil {
			return nil, err
		}
		if len(services) > 0 {
			c.mu.Lock()
			c.services = services
			c.mu.Unlock()
		}
		return services, nil
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("service map unavailable")
		return nil, err
	}
	return copyServices(v.(ServiceMap)), nil
}

func (c *Camera) fetchServices(ctx context.Context) (ServiceMap, error) {
	c.factory.Authenticate(ctx, c.deviceURL)
	transport := c.factory.NewTransport(EndpointReference{Address: c.deviceURL})
	defer transport.Close()

	if err := transport.Open(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return deviceOn(transport).GetServices(ctx)
}

func copyServices(m ServiceMap) ServiceMap {
	out := make(ServiceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsAlive reports whether the device returns a non-empty service map
func (c *Camera) IsAlive(ctx context.Context) bool {
	services, err := c.GetServices(ctx)
	return err == nil && len(services) > 0
}

// GetDeviceTime reads the device clock without authenticating
func (c *Camera) GetDeviceTime(ctx context.Context) (time.Time, error) {
	return c.factory.DeviceTime(ctx, c.deviceURL)
}

func (c *Camera) cached(ctx context.Context, capability Capability) Service {
	services, err := c.GetServices(ctx)
	if err != nil {
		return nil
	}
	return c.cache.GetOrResolve(ctx, capability, services)
}

// GetDeviceService returns the device service handle, or nil
func (c *Camera) GetDeviceService(ctx context.Context) *DeviceService {
	d, _ := c.cached(ctx, CapabilityDevice).(*DeviceService)
	return d
}

// GetMediaService returns the media handle, preferring media2, or nil when
// the device offers no usable media service
func (c *Camera) GetMediaService(ctx context.Context) MediaService {
	m, _ := c.cached(ctx, CapabilityMedia).(MediaService)
	return m
}

// GetPtzService returns the PTZ handle, or nil
func (c *Camera) GetPtzService(ctx context.Context) *PTZService {
	p, _ := c.cached(ctx, CapabilityPTZ).(*PTZService)
	return p
}

// GetEventService returns a new event service, or nil. It is never cached:
// each one carries its own subscription and the caller must Close it.
func (c *Camera) GetEventService(ctx context.Context) *EventService {
	services, err := c.GetServices(ctx)
	if err != nil {
		return nil
	}
	e, _ := c.resolver.Resolve(ctx, CapabilityEvent, services).(*EventService)
	return e
}

// GetProfiles returns the media profile tokens, or nil without media
func (c *Camera) GetProfiles(ctx context.Context) []string {
	media := c.GetMediaService(ctx)
	if media == nil {
		return nil
	}
	return media.Profiles()
}

// GetStreams returns the stream configurations of every media profile
func (c *Camera) GetStreams(ctx context.Context) []StreamConfig {
	media := c.GetMediaService(ctx)
	if media == nil {
		return nil
	}
	return media.Streams()
}

// GetDeviceInformation fetches manufacturer, model and firmware details
func (c *Camera) GetDeviceInformation(ctx context.Context) (*DeviceInformation, error) {
	device := c.GetDeviceService(ctx)
	if device == nil {
		return nil, errors.NotSupportedf("device service on %s", c.deviceURL)
	}
	return device.GetDeviceInformation(ctx)
}

// Snapshot downloads a still image from the first media profile
func (c *Camera) Snapshot(ctx context.Context) (*Image, error) {
	media := c.GetMediaService(ctx)
	if media == nil {
		return nil, errors.NotSupportedf("media service on %s", c.deviceURL)
	}
	return media.Snapshot(ctx)
}

// InvalidateServices forgets the service map and every cached handle
func (c *Camera) InvalidateServices() {
	c.mu.Lock()
	c.services = nil
	c.mu.Unlock()
	c.closeCached()
}

// Close releases every cached service handle
func (c *Camera) Close() error {
	c.closeCached()
	return nil
}

func (c *Camera) closeCached() {
	handles := c.cache.handles()
	c.cache.Clear()
	for _, h := range handles {
		if err := h.Close(); err != nil {
			c.log.Debug().Err(err).Stringer("capability", h.Capability()).Msg("close failed")
		}
	}
}
