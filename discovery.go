package onvif

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/juju/errors"
)

const probeTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"
          xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"
          xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
          xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
    <Header>
        <a:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>
        <a:MessageID>uuid:%s</a:MessageID>
        <a:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>
    </Header>
    <Body>
        <d:Probe>
            <d:Types>dn:NetworkVideoTransmitter</d:Types>
        </d:Probe>
    </Body>
</Envelope>`

// DiscoveredCamera is one device that answered a WS-Discovery probe
type DiscoveredCamera struct {
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"` // wsa:Address, usually urn:uuid:...
	XAddrs   []string `json:"xaddrs"`
	Profiles []string `json:"profiles"`
	Model    string   `json:"model"`
	Location string   `json:"location"`
}

// DeviceURL returns the first advertised device service address
func (d DiscoveredCamera) DeviceURL() string {
	if len(d.XAddrs) == 0 {
		return ""
	}
	return d.XAddrs[0]
}

// GetDisplayName prefers the advertised name, then the model, then the address
func (d DiscoveredCamera) GetDisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Model != "":
		return d.Model
	}
	return d.DeviceURL()
}

// Camera opens a session with the discovered device
func (d DiscoveredCamera) Camera(client *Client, opts ...Option) *Camera {
	return NewCameraWithURL(d.DeviceURL(), client, opts...)
}

type probeEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  struct {
		MessageID string `xml:"MessageID"`
		RelatesTo string `xml:"RelatesTo"`
	} `xml:"Header"`
	Body struct {
		ProbeMatches struct {
			ProbeMatch []probeMatch `xml:"ProbeMatch"`
		} `xml:"ProbeMatches"`
	} `xml:"Body"`
}

type probeMatch struct {
	EndpointReference struct {
		Address string `xml:"Address"`
	} `xml:"EndpointReference"`
	Types           string `xml:"Types"`
	Scopes          string `xml:"Scopes"`
	XAddrs          string `xml:"XAddrs"`
	MetadataVersion int    `xml:"MetadataVersion"`
}

func newProbe() (id string, message []byte) {
	u, err := uuid.NewV4()
	if err == nil {
		id = u.String()
	}
	return id, []byte(fmt.Sprintf(probeTemplate, id))
}

// DiscoverCameras multicasts a probe and collects the answers until the
// timeout or ctx expires
func DiscoverCameras(ctx context.Context, options *DiscoveryOptions) ([]DiscoveredCamera, error) {
	opts := DiscoveryOptions{Timeout: DefaultTimeout, MulticastAddr: DefaultMulticastAddr}
	if options != nil {
		if options.Timeout > 0 {
			opts.Timeout = options.Timeout
		}
		if options.MulticastAddr != "" {
			opts.MulticastAddr = options.MulticastAddr
		}
	}

	addr, err := net.ResolveUDPAddr("udp4", opts.MulticastAddr)
	if err != nil {
		return nil, errors.Annotate(err, "failed to resolve multicast address")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errors.Annotate(err, "failed to create UDP connection")
	}
	defer conn.Close()

	deadline := time.Now().Add(opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, errors.Annotate(err, "failed to set read deadline")
	}

	// unblock the read on cancellation
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	id, probe := newProbe()
	if _, err := conn.WriteToUDP(probe, addr); err != nil {
		return nil, errors.Annotate(err, "failed to send probe message")
	}

	var cameras []DiscoveredCamera
	buffer := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			continue
		}
		cameras = append(cameras, parseProbeMatches(buffer[:n], id)...)
	}

	return deduplicateCameras(cameras), nil
}

// parseProbeMatches decodes one ProbeMatches reply. When probeID is set, a
// reply relating to another probe is ignored.
func parseProbeMatches(data []byte, probeID string) []DiscoveredCamera {
	var env probeEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil
	}
	if relates := strings.TrimSpace(env.Header.RelatesTo); probeID != "" && relates != "" && !strings.HasSuffix(relates, probeID) {
		return nil
	}

	var cameras []DiscoveredCamera
	for _, match := range env.Body.ProbeMatches.ProbeMatch {
		xaddrs := strings.Fields(match.XAddrs)
		if len(xaddrs) == 0 {
			continue
		}
		name, location, model := parseScopes(match.Scopes)
		cameras = append(cameras, DiscoveredCamera{
			Name:     name,
			Endpoint: strings.TrimSpace(match.EndpointReference.Address),
			XAddrs:   xaddrs,
			Profiles: parseProfiles(match.Types),
			Model:    model,
			Location: location,
		})
	}
	return cameras
}

func parseScopes(scopes string) (name, location, model string) {
	for _, scope := range strings.Fields(scopes) {
		switch {
		case strings.HasPrefix(scope, "onvif://www.onvif.org/name/"):
			name = scopeValue(scope, "onvif://www.onvif.org/name/")
		case strings.HasPrefix(scope, "onvif://www.onvif.org/location/"):
			location = scopeValue(scope, "onvif://www.onvif.org/location/")
		case strings.HasPrefix(scope, "onvif://www.onvif.org/hardware/"):
			model = scopeValue(scope, "onvif://www.onvif.org/hardware/")
		}
	}
	return
}

func scopeValue(scope, prefix string) string {
	return strings.ReplaceAll(strings.TrimPrefix(scope, prefix), "_", " ")
}

func parseProfiles(types string) []string {
	var profiles []string
	for _, t := range strings.Fields(types) {
		switch {
		case strings.Contains(t, "NetworkVideoTransmitter"):
			profiles = append(profiles, "Network Video Transmitter")
		case strings.Contains(t, "Device"):
			profiles = append(profiles, "Device")
		case strings.Contains(t, "Media"):
			profiles = append(profiles, "Media")
		case strings.Contains(t, "PTZ"):
			profiles = append(profiles, "PTZ")
		case strings.Contains(t, "Events"):
			profiles = append(profiles, "Events")
		}
	}
	return profiles
}

// deduplicateCameras keeps the first answer per device address, in arrival order
func deduplicateCameras(cameras []DiscoveredCamera) []DiscoveredCamera {
	seen := make(map[string]bool, len(cameras))
	var unique []DiscoveredCamera
	for _, camera := range cameras {
		key := camera.DeviceURL()
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, camera)
	}
	return unique
}
