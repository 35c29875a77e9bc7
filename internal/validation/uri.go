package validation

import (
	"net/url"
	"strings"
)

// HTTPURL reporta si s es una URL absoluta http(s) con host.
// Es la forma exigida a actor IDs, inboxes y key IDs.
func HTTPURL(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || u.User != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "https" || scheme == "http"
}

// ActorURI es HTTPURL sin fragmento: "#key-1" identifica una clave, no un actor.
func ActorURI(s string) bool {
	return HTTPURL(s) && !strings.Contains(s, "#")
}

// KeyOwner devuelve el actor dueño de un key ID de la forma "<actor>#frag".
// ok=false si keyID no tiene fragmento o el prefijo no es un actor válido.
func KeyOwner(keyID string) (actor string, ok bool) {
	actor, frag, found := strings.Cut(keyID, "#")
	if !found || frag == "" || !ActorURI(actor) {
		return "", false
	}
	return actor, true
}
