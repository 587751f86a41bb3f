package lock

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lock-code-manager/backend/internal/config"
)

// Fast, non-blocking probes of the direct protocol services. Timeouts stay
// short so discovery and status endpoints are not delayed.

// IsZWaveJSUIAvailable reports whether the configured Z-Wave JS endpoint
// answers HTTP.
func IsZWaveJSUIAvailable(ctx context.Context, cfg config.ZWaveJSUIConfig) bool {
	return probeURL(ctx, httpURL(cfg.URL))
}

// IsZigbee2MQTTAvailable reports whether the zigbee2mqtt bridge is usable
// over the given broker session.
func IsZigbee2MQTTAvailable(client MQTTClient) bool {
	return client != nil && client.IsConnected()
}

// httpURL turns a websocket URL into the HTTP URL of the same server.
func httpURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.String()
}

func probeURL(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	// Any non-error HTTP status counts as available.
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}
