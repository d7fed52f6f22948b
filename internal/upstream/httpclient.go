// Package upstream holds the outbound HTTP plumbing shared by the gateway:
// the proxy-aware client used for backend and control-plane calls, the remote
// error type, and the parsers that turn backend rate-limit responses into
// pool-reportable signals.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// RemoteError is a non-success response from the backend or its control
// plane, carrying the status code and raw body for the caller's retry policy.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// NewHTTPClient builds the outbound client. proxyURL may name a socks5, http
// or https proxy; anything else (including empty) yields a direct client.
func NewHTTPClient(proxyURL string) *http.Client {
	httpClient := &http.Client{}
	if proxyURL == "" {
		return httpClient
	}
	parsed, errParse := url.Parse(proxyURL)
	if errParse != nil {
		log.Errorf("upstream: invalid proxy url %q: %v", proxyURL, errParse)
		return httpClient
	}
	var transport *http.Transport
	switch parsed.Scheme {
	case "socks5":
		var proxyAuth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			proxyAuth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("upstream: create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Errorf("upstream: unsupported proxy scheme %q", parsed.Scheme)
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}
