// Package onvif provides an ONVIF device session: WS-Security authentication against
// device clocks, cached service handles and pull-point event subscriptions.
package onvif

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WSDL namespaces reported by GetServices
const (
	DeviceNamespace = "http://www.onvif.org/ver10/device/wsdl"
	MediaNamespace  = "http://www.onvif.org/ver10/media/wsdl"
	Media2Namespace = "http://www.onvif.org/ver20/media/wsdl"
	EventsNamespace = "http://www.onvif.org/ver10/events/wsdl"
	PTZNamespace    = "http://www.onvif.org/ver20/ptz/wsdl"
)

// Protocol namespaces used on the wire
const (
	soapEnvelopeNamespace = "http://www.w3.org/2003/05/soap-envelope"
	addressingNamespace   = "http://www.w3.org/2005/08/addressing"
	notificationNamespace = "http://docs.oasis-open.org/wsn/b-2"
	schemaNamespace       = "http://www.onvif.org/ver10/schema"

	wsseNamespace = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	wsuNamespace  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"

	passwordDigestType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	base64BinaryType   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// Default configuration
const (
	DefaultMulticastAddr = "239.255.255.250:3702"
	DefaultTimeout       = 5 * time.Second
	DefaultClientTimeout = 10 * time.Second

	DefaultTokenLifetime = time.Minute
	DefaultNonceSize     = 20
	DefaultServiceTTL    = 10 * time.Minute

	DefaultTerminationTime    = 30 * time.Second
	DefaultPullTimeout        = time.Second
	DefaultMessageLimit       = 1024
	DefaultRetryBackoff       = 2 * time.Second
	DefaultUnsubscribeTimeout = 5 * time.Second
)

// Client holds the credentials and HTTP settings shared by every transport a
// session builds. Each session or service keeps its own security token on top.
type Client struct {
	Username    string
	Password    string
	Timeout     time.Duration
	InsecureTLS bool // Skip TLS certificate verification

	// HTTPClient overrides the client built from Timeout and InsecureTLS
	HTTPClient *http.Client
	Logger     zerolog.Logger

	httpOnce sync.Once
	http     *http.Client

	// dial builds transports; tests swap it for scripted fakes
	dial func(ref EndpointReference, auth *Authenticator) Transport
}

// ServiceMap maps a WSDL namespace to the endpoint serving it
type ServiceMap map[string]string

// URL returns the endpoint for namespace, or "" when the device does not offer it
func (m ServiceMap) URL(namespace string) string {
	return m[namespace]
}

// DeviceInformation is the result of GetDeviceInformation
type DeviceInformation struct {
	Manufacturer    string `xml:"Manufacturer" json:"manufacturer"`
	Model           string `xml:"Model" json:"model"`
	FirmwareVersion string `xml:"FirmwareVersion" json:"firmwareVersion"`
	SerialNumber    string `xml:"SerialNumber" json:"serialNumber"`
	HardwareId      string `xml:"HardwareId" json:"hardwareId"`
}

// StreamConfig represents a video stream configuration
type StreamConfig struct {
	ProfileName  string `json:"profileName"`
	ProfileToken string `json:"profileToken"`
	Resolution   string `json:"resolution"`
	Framerate    int    `json:"framerate"`
	Bitrate      int    `json:"bitrate"`
	Encoding     string `json:"encoding"`
	StreamURI    string `json:"streamUri"`
	Quality      string `json:"quality"` // "Main" or "Sub"
}

// Image is a snapshot downloaded from a media profile
type Image struct {
	Body   []byte
	Format string
}

// Resolution represents video resolution
type Resolution struct {
	Width  int `xml:"Width"`
	Height int `xml:"Height"`
}

// DiscoveryOptions provides options for camera discovery
type DiscoveryOptions struct {
	Timeout       time.Duration
	MulticastAddr string
}
