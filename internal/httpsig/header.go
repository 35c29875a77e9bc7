package httpsig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
)

// Pseudo-headers cubiertos por la firma.
const (
	RequestTarget = "(request-target)"
	Created       = "(created)"
	Expires       = "(expires)"
)

// SignatureHeader son los parámetros del header Signature.
type SignatureHeader struct {
	KeyID     string
	Algorithm repository.Algorithm
	Headers   []string // orden declarado por el firmante
	Signature []byte
	Created   int64 // 0 si ausente
	Expires   int64 // 0 si ausente
}

// String serializa en el formato interoperable:
//
//	keyId="...",algorithm="...",headers="(request-target) host date digest",signature="..."
func (h SignatureHeader) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `keyId="%s",algorithm="%s"`, h.KeyID, h.Algorithm)
	if h.Created > 0 {
		fmt.Fprintf(&b, ",created=%d", h.Created)
	}
	if h.Expires > 0 {
		fmt.Fprintf(&b, ",expires=%d", h.Expires)
	}
	fmt.Fprintf(&b, `,headers="%s",signature="%s"`,
		strings.Join(h.Headers, " "),
		base64.StdEncoding.EncodeToString(h.Signature))
	return b.String()
}

var errMalformed = errors.New("malformed signature header")

// ParseSignatureHeader parsea el valor de Signature (o de Authorization
// con esquema "Signature").
func ParseSignatureHeader(v string) (SignatureHeader, error) {
	v = strings.TrimSpace(v)
	if len(v) > 10 && strings.EqualFold(v[:10], "signature ") {
		v = strings.TrimSpace(v[10:])
	}
	params, err := splitParams(v)
	if err != nil {
		return SignatureHeader{}, err
	}

	var h SignatureHeader
	h.KeyID = params["keyid"]
	if h.KeyID == "" {
		return h, fmt.Errorf("%w: missing keyId", errMalformed)
	}
	h.Algorithm = repository.Algorithm(strings.ToLower(params["algorithm"]))

	sig, ok := params["signature"]
	if !ok || sig == "" {
		return h, fmt.Errorf("%w: missing signature", errMalformed)
	}
	if h.Signature, err = base64.StdEncoding.DecodeString(sig); err != nil {
		return h, fmt.Errorf("%w: signature is not base64", errMalformed)
	}

	// Sin headers= el default histórico es solo "date".
	if hs, ok := params["headers"]; ok {
		h.Headers = strings.Fields(strings.ToLower(hs))
	} else {
		h.Headers = []string{"date"}
	}
	if len(h.Headers) == 0 {
		return h, fmt.Errorf("%w: empty headers list", errMalformed)
	}

	for name, dst := range map[string]*int64{"created": &h.Created, "expires": &h.Expires} {
		raw, ok := params[name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return h, fmt.Errorf("%w: %s is not an integer", errMalformed, name)
		}
		*dst = n
	}
	return h, nil
}

// splitParams parsea name="value" o name=value separados por comas.
// Los nombres se normalizan a minúsculas.
func splitParams(s string) (map[string]string, error) {
	out := make(map[string]string)
	for i := 0; i < len(s); {
		for i < len(s) && (s[i] == ' ' || s[i] == ',' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected name=value at %d", errMalformed, i)
		}
		name := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1

		var val string
		if i < len(s) && s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quote for %s", errMalformed, name)
			}
			val = s[i+1 : i+1+end]
			i += end + 2
		} else {
			end := strings.IndexByte(s[i:], ',')
			if end < 0 {
				end = len(s) - i
			}
			val = strings.TrimSpace(s[i : i+end])
			i += end
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %s", errMalformed, name)
		}
		out[name] = val
	}
	return out, nil
}
