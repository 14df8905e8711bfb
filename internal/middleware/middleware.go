package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/database"
	"github.com/servicedesk/authcore/internal/logger"
)

// Middleware holds all HTTP middleware
type Middleware struct {
	rdb     *database.Redis
	log     *logger.Logger
	cfg     *config.Config
	local   *localLimiter
	proxies []netip.Prefix
}

// New creates a new Middleware instance. rdb may be nil, in which case rate
// limiting falls back to in-process token buckets.
func New(rdb *database.Redis, log *logger.Logger, cfg *config.Config) *Middleware {
	log = log.WithComponent("http")
	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		log.Warn().Err(err).Msg("ignoring invalid trusted proxy entries")
	}
	return &Middleware{
		rdb:     rdb,
		log:     log,
		cfg:     cfg,
		local:   newLocalLimiter(),
		proxies: proxies,
	}
}

const clientIPKey contextKey = "client_ip"

// RealIP resolves the client address once per request. Forwarding headers
// are honoured only when the connection peer is a trusted proxy; a client
// talking to the server directly cannot choose its own address.
func (m *Middleware) RealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := m.resolveClientIP(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey, ip)))
	})
}

func (m *Middleware) resolveClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !m.trusted(peer) {
		return peer
	}

	// Walk X-Forwarded-For from the nearest hop outwards. The first address
	// that is not one of our proxies is the client; anything further left
	// was written by the client and cannot be trusted.
	if forwarded := r.Header.Values("X-Forwarded-For"); len(forwarded) > 0 {
		hops := strings.Split(strings.Join(forwarded, ","), ",")
		client := ""
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = addr.Unmap().String()
			if !m.trusted(client) {
				return client
			}
		}
		if client != "" {
			return client
		}
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return peer
}

func (m *Middleware) trusted(ip string) bool {
	if len(m.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the client address resolved by RealIP, or the connection
// peer when RealIP did not run. Forwarding headers are never read here.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r.RemoteAddr)
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
