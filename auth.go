package knk

import (
	"fmt"
	"net/http"
)

// Authenticator decorates outgoing backend requests with credentials.
type Authenticator interface {
	// Apply adds credentials to the request headers.
	Apply(h http.Header)
}

// NoAuth sends requests without credentials.
type NoAuth struct{}

// Apply implements Authenticator.
func (NoAuth) Apply(http.Header) {}

// BearerAuth sends a static bearer token.
type BearerAuth struct {
	Token string
}

// Apply implements Authenticator.
func (a BearerAuth) Apply(h http.Header) {
	if a.Token != "" {
		h.Set("Authorization", "Bearer "+a.Token)
	}
}

// APIKeyAuth sends an API key in a configurable header.
type APIKeyAuth struct {
	Header string
	Key    string
}

// Apply implements Authenticator.
func (a APIKeyAuth) Apply(h http.Header) {
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	if a.Key != "" {
		h.Set(header, a.Key)
	}
}

// NewAuthenticator builds the authenticator selected by the API configuration.
func NewAuthenticator(cfg APIConfig) (Authenticator, error) {
	switch cfg.AuthType {
	case "", "none":
		return NoAuth{}, nil
	case "bearer":
		return BearerAuth{Token: cfg.Token}, nil
	case "apikey":
		return APIKeyAuth{Header: cfg.APIKeyHeader, Key: cfg.Token}, nil
	default:
		return nil, fmt.Errorf("knk: unknown auth type %q", cfg.AuthType)
	}
}
