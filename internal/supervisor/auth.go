package supervisor

import (
	"fmt"
	"net/http"
)

// AuthProvider adds credentials to outbound requests
type AuthProvider interface {
	AddAuth(req *http.Request) error
	Type() string
}

// NoAuthProvider leaves requests untouched
type NoAuthProvider struct{}

func (NoAuthProvider) AddAuth(req *http.Request) error { return nil }
func (NoAuthProvider) Type() string                    { return "none" }

// BasicAuthProvider implements HTTP Basic authentication
type BasicAuthProvider struct {
	username string
	password string
}

func NewBasicAuthProvider(username, password string) *BasicAuthProvider {
	return &BasicAuthProvider{username: username, password: password}
}

func (p *BasicAuthProvider) AddAuth(req *http.Request) error {
	if p.username == "" {
		return fmt.Errorf("basic auth username is empty")
	}
	req.SetBasicAuth(p.username, p.password)
	return nil
}

func (p *BasicAuthProvider) Type() string { return "basic" }

// NewAuthProvider picks Basic auth when a username is configured
func NewAuthProvider(username, password string) AuthProvider {
	if username == "" {
		return NoAuthProvider{}
	}
	return NewBasicAuthProvider(username, password)
}
