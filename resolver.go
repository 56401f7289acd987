package onvif

import (
	"context"

	"github.com/rs/zerolog"
)

// Capability names a kind of service a session can hand out
type Capability int

const (
	CapabilityDevice Capability = iota
	CapabilityMedia
	CapabilityEvent
	CapabilityPTZ
)

func (c Capability) String() string {
	switch c {
	case CapabilityDevice:
		return "device"
	case CapabilityMedia:
		return "media"
	case CapabilityEvent:
		return "event"
	case CapabilityPTZ:
		return "ptz"
	}
	return "unknown"
}

// Constructor builds and initializes a service handle for one endpoint
type Constructor func(ctx context.Context, env ServiceEnv) (Service, error)

// CapabilityEntry lists the WSDL namespaces that can serve a capability, in
// preference order, and how to build a handle for them
type CapabilityEntry struct {
	Candidates []string
	Construct  Constructor
}

// DefaultRegistry is the static capability table. Media lists ver20 before
// ver10 on purpose: a device offering both is served by media2, and one
// without media2 still resolves to the legacy service.
func DefaultRegistry() map[Capability]CapabilityEntry {
	return map[Capability]CapabilityEntry{
		CapabilityDevice: {
			Candidates: []string{DeviceNamespace},
			Construct:  newDeviceService,
		},
		CapabilityMedia: {
			Candidates: []string{Media2Namespace, MediaNamespace},
			Construct:  newMediaService,
		},
		CapabilityEvent: {
			Candidates: []string{EventsNamespace},
			Construct:  newEventService,
		},
		CapabilityPTZ: {
			Candidates: []string{PTZNamespace},
			Construct:  newPTZService,
		},
	}
}

func newMediaService(ctx context.Context, env ServiceEnv) (Service, error) {
	if env.Namespace == Media2Namespace {
		return newMedia2Service(ctx, env)
	}
	return newMedia1Service(ctx, env)
}

// Resolver turns a capability and a ServiceMap into an initialized handle
type Resolver struct {
	client    *Client
	deviceURL string
	registry  map[Capability]CapabilityEntry
	events    EventOptions
	log       zerolog.Logger
}

// NewResolver creates a resolver over the default registry
func NewResolver(client *Client, deviceURL string, events EventOptions, log zerolog.Logger) *Resolver {
	return &Resolver{
		client:    client,
		deviceURL: deviceURL,
		registry:  DefaultRegistry(),
		events:    events,
		log:       log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns a handle from the first candidate namespace that the device
// offers and whose constructor succeeds. It returns nil when no candidate works;
// construction errors are logged, not returned. The caller owns the handle.
func (r *Resolver) Resolve(ctx context.Context, c Capability, services ServiceMap) Service {
	entry, ok := r.registry[c]
	if !ok {
		r.log.Warn().Stringer("capability", c).Msg("no registry entry")
		return nil
	}

	for _, ns := range entry.Candidates {
		endpoint := services.URL(ns)
		if endpoint == "" {
			continue
		}
		svc, err := entry.Construct(ctx, ServiceEnv{
			Endpoint:  endpoint,
			Namespace: ns,
			DeviceURL: r.deviceURL,
			Client:    r.client,
			Events:    r.events,
			Logger:    r.log,
		})
		if err != nil {
			r.log.Warn().Err(err).
				Stringer("capability", c).
				Str("namespace", ns).
				Str("endpoint", endpoint).
				Msg("service construction failed")
			continue
		}
		r.log.Debug().Stringer("capability", c).Str("namespace", ns).Msg("service resolved")
		return svc
	}
	return nil
}
