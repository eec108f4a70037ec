package core

import (
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves Prometheus metrics in the standard format.
// Endpoint: GET /metrics
// Authenticated: No, but restricted to the configured IP allowlist.
func (a *App) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	cfg := a.cfg.Get().Metrics
	if !cfg.Enabled {
		writeJsonError(w, errorNotFound)
		return
	}

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}
	if !ipAllowed(clientIP, cfg.AllowedIPs) {
		writeJsonError(w, errorNotFound)
		return
	}

	promhttp.Handler().ServeHTTP(w, r)
}

func ipAllowed(clientIP string, allowed []string) bool {
	addr := net.ParseIP(clientIP)
	for _, entry := range allowed {
		if entry == clientIP {
			return true
		}
		if strings.Contains(entry, "/") && addr != nil {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(addr) {
				return true
			}
		}
	}
	return false
}
