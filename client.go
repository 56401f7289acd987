package onvif

import (
	"context"
	"crypto/tls"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// NewClient creates a new ONVIF client with credentials
func NewClient(username, password string) *Client {
	return &Client{
		Username: username,
		Password: password,
		Timeout:  DefaultClientTimeout,
		Logger:   zerolog.Nop(),
	}
}

// NewClientWithTimeout creates a new ONVIF client with custom timeout
func NewClientWithTimeout(username, password string, timeout time.Duration) *Client {
	c := NewClient(username, password)
	c.Timeout = timeout
	return c
}

func (c *Client) httpClient() *http.Client {
	c.httpOnce.Do(func() {
		if c.HTTPClient != nil {
			c.http = c.HTTPClient
			return
		}
		timeout := c.Timeout
		if timeout == 0 {
			timeout = DefaultClientTimeout
		}
		c.http = &http.Client{Timeout: timeout}
		if c.InsecureTLS {
			c.http.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	})
	return c.http
}

func (c *Client) newTransport(ref EndpointReference, auth *Authenticator) Transport {
	if c.dial != nil {
		return c.dial(ref, auth)
	}
	return newSOAPClient(ref, c.httpClient(), auth, c.Logger)
}

// clientFactory builds authenticated transports for one owner. The token it
// holds is attached to every transport built while it is fresh.
type clientFactory struct {
	client *Client
	issuer *TokenIssuer
	tokens tokenStore
	now    func() time.Time
	log    zerolog.Logger
}

func newClientFactory(client *Client, log zerolog.Logger) *clientFactory {
	return &clientFactory{
		client: client,
		issuer: NewTokenIssuer(),
		now:    time.Now,
		log:    log,
	}
}

// NewTransport builds a transport for ref carrying the current token, if any
func (f *clientFactory) NewTransport(ref EndpointReference) Transport {
	auth := &Authenticator{log: f.log}
	if f.client.Username != "" {
		if token := f.tokens.Current(f.now()); token != nil {
			auth.Headers = append(auth.Headers, BuildSecurityHeader(f.client.Username, f.client.Password, *token))
		}
	}
	return f.client.newTransport(ref, auth)
}

// anonymousTransport builds a transport that never carries a token
func (f *clientFactory) anonymousTransport(address string) Transport {
	return f.client.newTransport(EndpointReference{Address: address}, &Authenticator{log: f.log})
}

// Authenticate issues a token from deviceURL's clock unless a fresh one is
// already held. An unreadable device clock degrades to local time.
func (f *clientFactory) Authenticate(ctx context.Context, deviceURL string) {
	if f.client.Username == "" {
		return
	}
	if f.tokens.Current(f.now()) != nil {
		return
	}

	deviceTime, err := f.DeviceTime(ctx, deviceURL)
	if err != nil {
		f.log.Warn().Err(err).Str("device", deviceURL).Msg("device time unavailable, using local clock")
	}
	f.tokens.Set(f.issuer.Issue(deviceTime), f.now())
}

// Reauthenticate drops the current token and issues a new one
func (f *clientFactory) Reauthenticate(ctx context.Context, deviceURL string) {
	f.tokens.Clear()
	f.Authenticate(ctx, deviceURL)
}

// DeviceTime queries the device clock without authentication. A device that
// omits UTCDateTime yields the zero time and no error.
func (f *clientFactory) DeviceTime(ctx context.Context, deviceURL string) (time.Time, error) {
	transport := f.anonymousTransport(deviceURL)
	defer transport.Close()

	if err := transport.Open(ctx); err != nil {
		return time.Time{}, errors.Trace(err)
	}
	return deviceOn(transport).GetSystemDateAndTime(ctx)
}

// CreateURL builds the conventional device service address
func CreateURL(ip string, port int) string {
	host := ip
	if strings.Contains(ip, ":") && !strings.HasPrefix(ip, "[") {
		host = "[" + ip + "]"
	}
	if port == 0 {
		return "http://" + host + "/onvif/device_service"
	}
	return "http://" + host + ":" + strconv.Itoa(port) + "/onvif/device_service"
}

// IsMainStream checks if a stream configuration is likely the main stream
func IsMainStream(config StreamConfig) bool {
	return config.Quality == "Main" ||
		strings.Contains(strings.ToLower(config.ProfileName), "main") ||
		strings.Contains(strings.ToLower(config.ProfileName), "stream1")
}

// IsSubStream checks if a stream configuration is likely the sub stream
func IsSubStream(config StreamConfig) bool {
	return config.Quality == "Sub" ||
		strings.Contains(strings.ToLower(config.ProfileName), "sub") ||
		strings.Contains(strings.ToLower(config.ProfileName), "stream2")
}
