package util

import (
	"net/url"
	"strings"
)

// MaskEmail deja la primera letra del usuario y del dominio: "a…@e….com".
func MaskEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	i := strings.IndexByte(s, '@')
	if i <= 0 {
		if s == "" {
			return ""
		}
		if len(s) <= 3 {
			return "***"
		}
		return s[:1] + "…" + s[len(s)-1:]
	}
	user, dom := s[:i], s[i+1:]
	if len(user) > 1 {
		user = user[:1] + "…"
	}
	dparts := strings.Split(dom, ".")
	if len(dparts) > 0 && len(dparts[0]) > 1 {
		dparts[0] = dparts[0][:1] + "…"
	}
	return user + "@" + strings.Join(dparts, ".")
}

// MaskEmails aplica MaskEmail a cada destinatario.
func MaskEmails(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = MaskEmail(s)
	}
	return out
}

// MaskDSN oculta la password de un DSN URL (postgres://u:pw@h/db) y el
// parámetro password= de un DSN key/value.
func MaskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.Host != "" {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
		q := u.Query()
		if q.Has("password") {
			q.Set("password", "***")
			u.RawQuery = q.Encode()
		}
		return u.String()
	}
	parts := strings.Fields(dsn)
	for i, p := range parts {
		if k, _, ok := strings.Cut(p, "="); ok && strings.EqualFold(k, "password") {
			parts[i] = k + "=***"
		}
	}
	return strings.Join(parts, " ")
}
