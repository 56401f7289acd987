package onvif

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
)

// Authenticator is attached to every transport the factory builds. It prepends
// its headers to each outgoing envelope and accepts the WS-Security headers a
// device echoes back. With no headers requests go out anonymously.
type Authenticator struct {
	Headers []*etree.Element

	log zerolog.Logger
}

// BeforeSend inserts copies of the configured headers at the front of header
func (a *Authenticator) BeforeSend(header *etree.Element) {
	if a == nil || header == nil {
		return
	}
	for i := len(a.Headers) - 1; i >= 0; i-- {
		if a.Headers[i] == nil {
			continue
		}
		header.InsertChildAt(0, a.Headers[i].Copy())
	}
}

// AfterReceive returns the reply headers to mark as understood
func (a *Authenticator) AfterReceive(header *etree.Element) []*etree.Element {
	if header == nil {
		return nil
	}

	var understood []*etree.Element
	for _, h := range header.ChildElements() {
		if strings.Contains(h.Tag, "Security") && h.NamespaceURI() == wsseNamespace {
			understood = append(understood, h)
		}
	}
	if a != nil && len(understood) > 0 {
		a.log.Trace().Int("headers", len(understood)).Msg("accepted security headers")
	}
	return understood
}

// headerUnderstood reports whether an inbound header may be processed without
// failing the call
func headerUnderstood(h *etree.Element, understood []*etree.Element) bool {
	if h.NamespaceURI() == addressingNamespace {
		return true
	}
	for _, u := range understood {
		if u == h {
			return true
		}
	}
	mu := h.SelectAttrValue("mustUnderstand", "")
	return mu != "1" && mu != "true"
}
