package protocols

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultProbeTimeout = 4 // Seconds
	DefaultMintTimeout  = 15
	DefaultFetchTimeout = 30
	MaxDocumentSize     = 1 << 20
	MaxContentSize      = 16 << 20
)

var ErrInvalidURL = errors.New("invalid content url")

// NormalizeURL validates an http(s) URL and strips its fragment.
func NormalizeURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Fragment = ""
	return u, nil
}

// Origin returns scheme://host for u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// HostMatches reports whether host equals domain or is a subdomain of it.
func HostMatches(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// RedactURL strips user info and credential-like query parameters so the
// URL is safe for logs.
func RedactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable]"
	}
	u.User = nil
	q := u.Query()
	for k := range q {
		kl := strings.ToLower(k)
		if strings.Contains(kl, "token") || strings.Contains(kl, "key") || strings.Contains(kl, "secret") || strings.Contains(kl, "sig") {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

var (
	// ErrTokenRequired is returned when FetchContent is called without a token.
	ErrTokenRequired = errors.New("license token required")
	// ErrTokenRejected is returned when the delivery channel refuses a token
	// even after a fresh one was minted.
	ErrTokenRejected = errors.New("license token rejected")
)
