package onvif

import (
	"crypto/sha1"
	"encoding/base64"
	"math/rand"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/elgs/gostrgen"
)

const createdLayout = "2006-01-02T15:04:05.000Z"

// SecurityToken is the device-clock-corrected material a WS-Security
// UsernameToken digest is derived from. It is never mutated after issue.
type SecurityToken struct {
	ServerTime time.Time
	Nonce      []byte
}

// Created returns the wsu:Created timestamp carried in the header
func (t SecurityToken) Created() string {
	return t.ServerTime.UTC().Format(createdLayout)
}

// Digest computes Base64(SHA1(nonce + created + password))
func (t SecurityToken) Digest(password string) string {
	h := sha1.New()
	h.Write(t.Nonce)
	h.Write([]byte(t.Created()))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// TokenIssuer mints security tokens from the device's reported time.
type TokenIssuer struct {
	NonceSize int
	// NonceSource overrides nonce generation
	NonceSource func(size int) []byte

	now func() time.Time
}

// NewTokenIssuer returns an issuer producing DefaultNonceSize nonces
func NewTokenIssuer() *TokenIssuer {
	return &TokenIssuer{NonceSize: DefaultNonceSize, now: time.Now}
}

// Issue returns a token stamped with deviceTime. A zero deviceTime means the
// device clock could not be read and local UTC time is used instead.
func (i *TokenIssuer) Issue(deviceTime time.Time) SecurityToken {
	if deviceTime.IsZero() {
		now := time.Now
		if i.now != nil {
			now = i.now
		}
		deviceTime = now()
	}

	size := i.NonceSize
	if size <= 0 {
		size = DefaultNonceSize
	}
	source := i.NonceSource
	if source == nil {
		source = generateNonce
	}

	return SecurityToken{
		ServerTime: deviceTime.UTC(),
		Nonce:      source(size),
	}
}

// generateNonce only needs freshness, the digest is what protects the password
func generateNonce(size int) []byte {
	nonce, err := gostrgen.RandGen(size, gostrgen.Lower|gostrgen.Digit, "", "")
	if err == nil && len(nonce) == size {
		return []byte(nonce)
	}
	b := make([]byte, size)
	rand.Read(b)
	return b
}

// BuildSecurityHeader renders the wsse:Security header for a token. Equal
// inputs always render the same element.
func BuildSecurityHeader(username, password string, token SecurityToken) *etree.Element {
	security := etree.NewElement("wsse:Security")
	security.CreateAttr("xmlns:wsse", wsseNamespace)
	security.CreateAttr("xmlns:wsu", wsuNamespace)
	security.CreateAttr("s:mustUnderstand", "1")

	usernameToken := security.CreateElement("wsse:UsernameToken")
	usernameToken.CreateElement("wsse:Username").SetText(username)

	pass := usernameToken.CreateElement("wsse:Password")
	pass.CreateAttr("Type", passwordDigestType)
	pass.SetText(token.Digest(password))

	nonce := usernameToken.CreateElement("wsse:Nonce")
	nonce.CreateAttr("EncodingType", base64BinaryType)
	nonce.SetText(base64.StdEncoding.EncodeToString(token.Nonce))

	usernameToken.CreateElement("wsu:Created").SetText(token.Created())
	return security
}

// tokenStore holds one factory's token. Lifecycle: empty -> issued -> expired -> empty.
type tokenStore struct {
	mu       sync.Mutex
	token    *SecurityToken
	expires  time.Time
	lifetime time.Duration
}

// Current returns the live token, clearing it once its freshness window lapsed
func (s *tokenStore) Current(now time.Time) *SecurityToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil && !now.Before(s.expires) {
		s.token = nil
	}
	return s.token
}

// Set stores token as fresh from now
func (s *tokenStore) Set(token SecurityToken, now time.Time) {
	lifetime := s.lifetime
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}

	s.mu.Lock()
	s.token = &token
	s.expires = now.Add(lifetime)
	s.mu.Unlock()
}

// Clear empties the store
func (s *tokenStore) Clear() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}
