package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport returns the transport shared by outbound HTTP clients.
// Connections are capped per host so a stalled upstream queues a bounded
// number of dials instead of growing a goroutine per pending request.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
