package onvif

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/beevik/etree"
	"github.com/gofrs/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
)

// CommunicationState is the lifecycle state of a Transport
type CommunicationState int32

const (
	CommunicationCreated CommunicationState = iota
	CommunicationOpened
	CommunicationFaulted
	CommunicationClosed
)

func (s CommunicationState) String() string {
	switch s {
	case CommunicationCreated:
		return "created"
	case CommunicationOpened:
		return "opened"
	case CommunicationFaulted:
		return "faulted"
	case CommunicationClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport executes typed SOAP operations against one endpoint.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	State() CommunicationState
	// Call marshals request into the envelope body and decodes the reply payload
	// into response. A nil response discards the payload.
	Call(ctx context.Context, action string, request, response interface{}) error
	Endpoint() EndpointReference
}

// EndpointReference addresses a service or a subscription. Reference
// parameters are echoed as headers on every call to the endpoint.
type EndpointReference struct {
	Address             string
	ReferenceParameters []*etree.Element
}

// SOAPFault is a fault returned by the device
type SOAPFault struct {
	Code    string
	Subcode string
	Reason  string
}

func (f *SOAPFault) Error() string {
	code := f.Code
	if f.Subcode != "" {
		code += "/" + f.Subcode
	}
	if f.Reason == "" {
		return fmt.Sprintf("SOAP fault %s", code)
	}
	return fmt.Sprintf("SOAP fault %s: %s", code, f.Reason)
}

// Is lets errors.Is(err, errors.Unauthorized) match authentication faults
func (f *SOAPFault) Is(target error) bool {
	if target != error(errors.Unauthorized) {
		return false
	}
	return strings.Contains(f.Subcode, "NotAuthorized") || strings.Contains(f.Subcode, "FailedAuthentication")
}

// soapClient is the HTTP implementation of Transport
type soapClient struct {
	endpoint   EndpointReference
	httpClient *http.Client
	auth       *Authenticator
	log        zerolog.Logger
	state      atomic.Int32
}

func newSOAPClient(ref EndpointReference, httpClient *http.Client, auth *Authenticator, log zerolog.Logger) *soapClient {
	return &soapClient{
		endpoint:   ref,
		httpClient: httpClient,
		auth:       auth,
		log:        log.With().Str("endpoint", ref.Address).Logger(),
	}
}

func (c *soapClient) Endpoint() EndpointReference {
	return c.endpoint
}

func (c *soapClient) State() CommunicationState {
	return CommunicationState(c.state.Load())
}

// Open validates the endpoint and readies the client; HTTP needs no handshake
func (c *soapClient) Open(ctx context.Context) error {
	if c.State() == CommunicationClosed {
		return errors.Errorf("open %s: transport closed", c.endpoint.Address)
	}
	u, err := url.Parse(c.endpoint.Address)
	if err != nil {
		return errors.Annotatef(err, "open %s", c.endpoint.Address)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return errors.NotValidf("endpoint address %q", c.endpoint.Address)
	}
	c.state.Store(int32(CommunicationOpened))
	return nil
}

func (c *soapClient) Close() error {
	c.state.Store(int32(CommunicationClosed))
	return nil
}

func (c *soapClient) Call(ctx context.Context, action string, request, response interface{}) error {
	if state := c.State(); state != CommunicationOpened {
		return errors.Errorf("call %s on %s transport", action, state)
	}

	payload, err := c.buildEnvelope(action, request)
	if err != nil {
		return errors.Trace(err)
	}
	c.log.Trace().Str("action", action).Bytes("envelope", payload).Msg("sending request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.Address, bytes.NewReader(payload))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))
	req.Header.Set("SOAPAction", action)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.state.Store(int32(CommunicationFaulted))
		return errors.Annotatef(err, "POST %s", c.endpoint.Address)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.state.Store(int32(CommunicationFaulted))
		return errors.Annotatef(err, "read reply from %s", c.endpoint.Address)
	}
	c.log.Trace().Str("action", action).Int("status", resp.StatusCode).Bytes("envelope", respBody).Msg("received reply")

	// Some cameras answer errors with an empty body instead of a SOAP fault
	if len(respBody) == 0 {
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return errors.Unauthorizedf("HTTP %d from %s", resp.StatusCode, c.endpoint.Address)
		case resp.StatusCode >= 400:
			return errors.Errorf("HTTP %d with empty response from %s", resp.StatusCode, c.endpoint.Address)
		}
		if response != nil {
			return errors.Errorf("empty reply to %s", action)
		}
		return nil
	}

	return c.readEnvelope(resp.StatusCode, respBody, response)
}

func (c *soapClient) buildEnvelope(action string, request interface{}) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", soapEnvelopeNamespace)
	env.CreateAttr("xmlns:a", addressingNamespace)

	header := env.CreateElement("s:Header")
	actionHeader := header.CreateElement("a:Action")
	actionHeader.CreateAttr("s:mustUnderstand", "1")
	actionHeader.SetText(action)
	header.CreateElement("a:MessageID").SetText(messageID())
	to := header.CreateElement("a:To")
	to.CreateAttr("s:mustUnderstand", "1")
	to.SetText(c.endpoint.Address)
	for _, param := range c.endpoint.ReferenceParameters {
		p := param.Copy()
		p.CreateAttr("a:IsReferenceParameter", "true")
		header.AddChild(p)
	}
	c.auth.BeforeSend(header)

	body := env.CreateElement("s:Body")
	if request != nil {
		raw, err := xml.Marshal(request)
		if err != nil {
			return nil, errors.Annotatef(err, "marshal %T", request)
		}
		part := etree.NewDocument()
		if err := part.ReadFromBytes(raw); err != nil {
			return nil, errors.Annotatef(err, "marshal %T", request)
		}
		if root := part.Root(); root != nil {
			body.AddChild(root)
		}
	}

	return doc.WriteToBytes()
}

func (c *soapClient) readEnvelope(status int, raw []byte, response interface{}) error {
	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := doc.ReadFromBytes(raw); err != nil {
		if status >= 400 {
			return errors.Errorf("HTTP %d: %s", status, http.StatusText(status))
		}
		return errors.Annotatef(err, "parse reply from %s", c.endpoint.Address)
	}

	env := doc.Root()
	if env == nil || env.Tag != "Envelope" {
		return errors.Errorf("reply from %s is not a SOAP envelope", c.endpoint.Address)
	}

	if header := childElement(env, "Header"); header != nil {
		understood := c.auth.AfterReceive(header)
		for _, h := range header.ChildElements() {
			if !headerUnderstood(h, understood) {
				return errors.Errorf("header %s:%s not understood", h.NamespaceURI(), h.Tag)
			}
		}
	}

	body := childElement(env, "Body")
	if body == nil {
		return errors.Errorf("reply from %s has no body", c.endpoint.Address)
	}
	var content *etree.Element
	if children := body.ChildElements(); len(children) > 0 {
		content = children[0]
	}

	if content != nil && content.Tag == "Fault" {
		return parseFault(content)
	}
	if status == http.StatusUnauthorized {
		return errors.Unauthorizedf("HTTP %d from %s", status, c.endpoint.Address)
	}
	if status >= 400 {
		return errors.Errorf("HTTP %d: %s", status, http.StatusText(status))
	}
	if response == nil {
		return nil
	}
	if content == nil {
		return errors.Errorf("reply from %s has an empty body", c.endpoint.Address)
	}

	part := etree.NewDocument()
	part.SetRoot(detachWithNamespaces(content))
	data, err := part.WriteToBytes()
	if err != nil {
		return errors.Trace(err)
	}
	if err := xml.Unmarshal(data, response); err != nil {
		return errors.Annotatef(err, "decode %s", content.Tag)
	}
	if d, ok := response.(elementDecoder); ok {
		return errors.Annotatef(d.decodeElement(content), "decode %s", content.Tag)
	}
	return nil
}

// elementDecoder is implemented by replies that need the element tree itself
type elementDecoder interface {
	decodeElement(e *etree.Element) error
}

// detachWithNamespaces copies e and declares on the copy every prefix the
// subtree borrows from its ancestors
func detachWithNamespaces(e *etree.Element) *etree.Element {
	c := e.Copy()
	declared := make(map[string]bool)
	for _, a := range c.Attr {
		if a.Space == "xmlns" {
			declared[a.Key] = true
		} else if a.Space == "" && a.Key == "xmlns" {
			declared[""] = true
		}
	}

	var walk func(orig *etree.Element)
	walk = func(orig *etree.Element) {
		if !declared[orig.Space] {
			if uri := orig.NamespaceURI(); uri != "" {
				if orig.Space == "" {
					c.CreateAttr("xmlns", uri)
				} else {
					c.CreateAttr("xmlns:"+orig.Space, uri)
				}
			}
			declared[orig.Space] = true
		}
		for _, a := range orig.Attr {
			if a.Space == "" || a.Space == "xmlns" || declared[a.Space] {
				continue
			}
			if uri := a.NamespaceURI(); uri != "" {
				c.CreateAttr("xmlns:"+a.Space, uri)
			}
			declared[a.Space] = true
		}
		for _, child := range orig.ChildElements() {
			walk(child)
		}
	}
	walk(e)
	return c
}

func parseFault(fault *etree.Element) error {
	f := &SOAPFault{}
	if code := childElement(fault, "Code"); code != nil {
		f.Code = localText(childElement(code, "Value"))
		if sub := childElement(code, "Subcode"); sub != nil {
			f.Subcode = localText(childElement(sub, "Value"))
			// ONVIF nests the specific fault one level deeper
			if inner := childElement(sub, "Subcode"); inner != nil {
				f.Subcode = localText(childElement(inner, "Value"))
			}
		}
	}
	if reason := childElement(fault, "Reason"); reason != nil {
		f.Reason = strings.TrimSpace(childText(reason, "Text"))
	}
	// SOAP 1.1 devices
	if f.Code == "" {
		f.Code = localText(childElement(fault, "faultcode"))
	}
	if f.Reason == "" {
		f.Reason = strings.TrimSpace(childText(fault, "faultstring"))
	}
	return f
}

func childElement(e *etree.Element, tag string) *etree.Element {
	if e == nil {
		return nil
	}
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func childText(e *etree.Element, tag string) string {
	if c := childElement(e, tag); c != nil {
		return c.Text()
	}
	return ""
}

// localText strips the prefix of a QName value such as "ter:NotAuthorized"
func localText(e *etree.Element) string {
	if e == nil {
		return ""
	}
	text := strings.TrimSpace(e.Text())
	if i := strings.LastIndex(text, ":"); i >= 0 {
		return text[i+1:]
	}
	return text
}

func messageID() string {
	id, err := uuid.NewV4()
	if err != nil {
		return "urn:uuid:00000000-0000-0000-0000-000000000000"
	}
	return "urn:uuid:" + id.String()
}
