// Package auth implements inbound request authorization for the MCP
// transport: bearer, basic, and API-key schemes, plus the Origin and
// Mcp-Protocol-Version header checks the streamable transport enforces on
// every request.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
)

// Scheme selects which credential check Authorize applies.
type Scheme string

const (
	SchemeNone   Scheme = ""
	SchemeBearer Scheme = "bearer"
	SchemeBasic  Scheme = "basic"
	SchemeAPIKey Scheme = "api-key"
)

// Config describes one authorization scheme's credentials. Zero value (no
// scheme) authorizes every request.
type Config struct {
	Scheme Scheme

	// Bearer
	Token string

	// Basic
	Username string
	Password string

	// API key
	Header string
	Value  string
}

// Authorize reports whether r carries valid credentials for cfg. An empty
// Scheme always authorizes.
func Authorize(r *http.Request, cfg Config) bool {
	switch cfg.Scheme {
	case SchemeNone:
		return true
	case SchemeBearer:
		token := strings.TrimSpace(cfg.Token)
		if token == "" {
			return false
		}
		expected := []byte("Bearer " + token)
		actual := []byte(r.Header.Get("Authorization"))
		return subtle.ConstantTimeCompare(actual, expected) == 1
	case SchemeBasic:
		if cfg.Username == "" || cfg.Password == "" {
			return false
		}
		expected := []byte("Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Password)))
		actual := []byte(r.Header.Get("Authorization"))
		return subtle.ConstantTimeCompare(actual, expected) == 1
	case SchemeAPIKey:
		if cfg.Header == "" || cfg.Value == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(r.Header.Get(cfg.Header)), []byte(cfg.Value)) == 1
	default:
		return false
	}
}

// ValidateOrigin enforces the usual browser-facing same-origin rule: no
// Origin header is fine (non-browser client), localhost is always allowed,
// and any other origin must match the request's Host.
func ValidateOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if isLocalhost(host) {
		return true
	}
	reqHost := r.Host
	if reqHost != "" {
		reqHost = strings.Split(reqHost, ":")[0]
		if strings.EqualFold(reqHost, host) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

// HasAccept reports whether header's Accept list contains value as a
// substring of one of its comma-separated entries.
func HasAccept(header http.Header, value string) bool {
	accept := header.Get("Accept")
	if accept == "" {
		return false
	}
	value = strings.ToLower(value)
	for _, part := range strings.Split(accept, ",") {
		if strings.Contains(strings.ToLower(strings.TrimSpace(part)), value) {
			return true
		}
	}
	return false
}

// SupportedProtocolVersions lists the Mcp-Protocol-Version values this
// server accepts.
var SupportedProtocolVersions = []string{"2025-03-26", "2025-06-18", "2025-11-25"}

// ValidateProtocolHeader reports whether header's Mcp-Protocol-Version is
// absent (client didn't negotiate) or one of SupportedProtocolVersions.
func ValidateProtocolHeader(header http.Header) bool {
	version := strings.TrimSpace(header.Get("Mcp-Protocol-Version"))
	if version == "" {
		return true
	}
	for _, supported := range SupportedProtocolVersions {
		if version == supported {
			return true
		}
	}
	return false
}
