package middlewares

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
)

const ctxClientIPKey ctxKey = "client_ip"

// TrustedProxies son las redes cuyo X-Forwarded-For se acepta.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies acepta CIDRs o IPs sueltas (/32, /128).
func ParseTrustedProxies(specs []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(specs))
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: invalid IP", s)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Contains reporta si ip (texto) cae en alguna red confiable.
func (t TrustedProxies) Contains(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range t {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Resolve devuelve la IP del cliente. Sin proxies confiables, o si el peer
// no es uno, X-Forwarded-For se ignora. Si lo es, se recorre la cadena de
// derecha a izquierda y gana la primera IP que no sea otro proxy confiable.
func (t TrustedProxies) Resolve(r *http.Request) string {
	peer := peerIP(r)
	if len(t) == 0 || !t.Contains(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			break
		}
		client = hop
		if !t.Contains(hop) {
			break
		}
	}
	return client
}

// WithClientIP resuelve la IP del cliente una vez y la deja en el contexto.
func WithClientIP(t TrustedProxies) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ctxClientIPKey, t.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP devuelve la IP resuelta por WithClientIP o, sin ese middleware,
// la del peer TCP.
func ClientIP(r *http.Request) string {
	if v, ok := r.Context().Value(ctxClientIPKey).(string); ok && v != "" {
		return v
	}
	return peerIP(r)
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
