// Package util provides small helpers shared across the gateway, currently
// outbound proxy configuration for HTTP clients.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures the provided HTTP client with the given proxy URL.
// It supports SOCKS5, HTTP, and HTTPS proxies; an empty or unparseable URL
// leaves the client untouched.
func SetProxy(proxyURLStr string, httpClient *http.Client) *http.Client {
	if proxyURLStr == "" {
		return httpClient
	}
	proxyURL, err := url.Parse(proxyURLStr)
	if err != nil {
		log.Errorf("invalid proxy url %q: %v", proxyURLStr, err)
		return httpClient
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		proxyAuth := &proxy.Auth{User: username, Password: password}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return httpClient
		}
		transport = &http.Transport{
			DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		log.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
		return httpClient
	}

	httpClient.Transport = transport
	return httpClient
}
