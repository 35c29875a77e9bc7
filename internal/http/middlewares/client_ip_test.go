package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reqFrom(peer, xff string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/inbox", nil)
	r.RemoteAddr = peer
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	return r
}

func TestClientIP_IgnoresForwardedForWithoutTrustedProxies(t *testing.T) {
	var got string
	h := WithClientIP(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), reqFrom("198.51.100.7:4000", "203.0.113.9"))
	assert.Equal(t, "198.51.100.7", got)
}

func TestClientIP_UntrustedPeerCannotSpoof(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	// cada request inventa otro origen; el peer real es siempre el mismo
	for _, xff := range []string{"203.0.113.1", "203.0.113.2, 10.0.0.1"} {
		assert.Equal(t, "198.51.100.7", tp.Resolve(reqFrom("198.51.100.7:4000", xff)))
	}
}

func TestClientIP_TrustedProxyChain(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8", "127.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.9", tp.Resolve(reqFrom("10.1.2.3:80", "203.0.113.9")))
	// el cliente puede prefijar basura; gana el último hop no confiable
	assert.Equal(t, "203.0.113.9", tp.Resolve(reqFrom("127.0.0.1:80", "6.6.6.6, 203.0.113.9, 10.0.0.5")))
	// todo confiable: el hop más a la izquierda
	assert.Equal(t, "10.0.0.5", tp.Resolve(reqFrom("10.1.2.3:80", "10.0.0.5")))
	// sin header o con basura se queda en el peer
	assert.Equal(t, "10.1.2.3", tp.Resolve(reqFrom("10.1.2.3:80", "")))
	assert.Equal(t, "10.1.2.3", tp.Resolve(reqFrom("10.1.2.3:80", "unknown")))
}

func TestClientIP_WithoutMiddlewareUsesPeer(t *testing.T) {
	assert.Equal(t, "198.51.100.7", ClientIP(reqFrom("198.51.100.7:4000", "203.0.113.9")))
}

func TestParseTrustedProxies(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"::1", " 192.168.0.0/16 ", ""})
	require.NoError(t, err)
	assert.Len(t, tp, 2)
	assert.True(t, tp.Contains("::1"))
	assert.True(t, tp.Contains("192.168.4.4"))
	assert.False(t, tp.Contains("192.169.0.1"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/40"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.Error(t, err)
}
