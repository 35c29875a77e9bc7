package httpsig

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// SigningContext es la representación efímera de un request a firmar o verificar.
type SigningContext struct {
	Method  string
	Path    string      // path + query, tal como viaja en la request line
	Headers http.Header // debe incluir Host
	Body    []byte
}

// DefaultHeaders es la lista cubierta cuando el llamador no elige otra.
var DefaultHeaders = []string{RequestTarget, "host", "date", "digest"}

// HeadersFor devuelve la lista por defecto para un método: sin body no hay digest.
func HeadersFor(method string, bodyLen int) []string {
	if bodyLen == 0 && (method == http.MethodGet || method == http.MethodHead) {
		return []string{RequestTarget, "host", "date"}
	}
	return append([]string(nil), DefaultHeaders...)
}

// SigningString construye el string firmado: una línea "name: value" por
// header, en el orden declarado, unidas por "\n".
func SigningString(sc SigningContext, headers []string, created, expires int64) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		name = strings.ToLower(name)
		var val string
		switch name {
		case RequestTarget:
			val = strings.ToLower(sc.Method) + " " + sc.Path
		case Created:
			if created <= 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingHeader, name)
			}
			val = strconv.FormatInt(created, 10)
		case Expires:
			if expires <= 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingHeader, name)
			}
			val = strconv.FormatInt(expires, 10)
		default:
			vs := sc.Headers.Values(name)
			if len(vs) == 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingHeader, name)
			}
			trimmed := make([]string, len(vs))
			for i, v := range vs {
				trimmed[i] = strings.TrimSpace(v)
			}
			val = strings.Join(trimmed, ", ")
		}
		lines = append(lines, name+": "+val)
	}
	return strings.Join(lines, "\n"), nil
}

// Digest devuelve el valor del header Digest para body: SHA-256=<base64>.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// digestMatches compara el header Digest con el body. Acepta listas
// "SHA-256=...,SHA-512=..." y basta con que un algoritmo conocido coincida.
// known=false si ningún algoritmo del header es soportado.
func digestMatches(header string, body []byte) (match, known bool) {
	for _, part := range strings.Split(header, ",") {
		alg, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		var sum []byte
		switch strings.ToUpper(alg) {
		case "SHA-256":
			s := sha256.Sum256(body)
			sum = s[:]
		case "SHA-512":
			s := sha512.Sum512(body)
			sum = s[:]
		default:
			continue
		}
		known = true
		if val == base64.StdEncoding.EncodeToString(sum) {
			return true, true
		}
	}
	return false, known
}
