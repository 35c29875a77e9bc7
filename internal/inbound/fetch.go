package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
)

// ActivityAccept es el Accept de los fetches de actor/clave.
const ActivityAccept = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// KeyFetcher resuelve una clave pública remota por keyId.
type KeyFetcher interface {
	Fetch(ctx context.Context, keyID string) (repository.PublicKey, error)
}

// FetchError es un fetch remoto que respondió pero no sirvió.
type FetchError struct {
	KeyID  string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d", e.KeyID, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.KeyID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var ErrKeyNotInDocument = errors.New("key not present in fetched document")

// HTTPKeyFetcher trae la clave desde el documento del keyId (sin fragmento).
// Acepta un actor con publicKey (objeto o array) o un documento de clave suelto.
type HTTPKeyFetcher struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
	MaxBody   int64
	// Sign, si no es nil, firma el GET (authorized fetch).
	Sign func(req *http.Request) error
}

type keyDoc struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type actorDoc struct {
	ID        string          `json:"id"`
	PublicKey json.RawMessage `json:"publicKey"`
	keyDoc
}

func (f *HTTPKeyFetcher) Fetch(ctx context.Context, keyID string) (repository.PublicKey, error) {
	docURL, _, _ := strings.Cut(keyID, "#")
	if !strings.HasPrefix(docURL, "https://") && !strings.HasPrefix(docURL, "http://") {
		return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: errors.New("keyId is not an http(s) URL")}
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: err}
	}
	req.Header.Set("Accept", ActivityAccept)
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if f.Sign != nil {
		if err := f.Sign(req); err != nil {
			return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: err}
		}
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return repository.PublicKey{}, &FetchError{KeyID: keyID, Status: resp.StatusCode}
	}

	max := f.MaxBody
	if max <= 0 {
		max = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max))
	if err != nil {
		return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: err}
	}
	return ParseKeyDocument(keyID, body)
}

// ParseKeyDocument extrae keyID de un documento de actor o de clave.
func ParseKeyDocument(keyID string, body []byte) (repository.PublicKey, error) {
	var doc actorDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: err}
	}

	var candidates []keyDoc
	if doc.PublicKeyPem != "" {
		candidates = append(candidates, keyDoc{ID: doc.ID, Owner: doc.Owner, PublicKeyPem: doc.PublicKeyPem})
	}
	if len(doc.PublicKey) > 0 {
		var one keyDoc
		if err := json.Unmarshal(doc.PublicKey, &one); err == nil {
			candidates = append(candidates, one)
		} else {
			var many []keyDoc
			if err := json.Unmarshal(doc.PublicKey, &many); err != nil {
				return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: err}
			}
			candidates = append(candidates, many...)
		}
	}

	for _, c := range candidates {
		if c.ID != keyID {
			continue
		}
		pub, err := keypem.DecodePublic(c.PublicKeyPem)
		if err != nil {
			return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: err}
		}
		owner := c.Owner
		if owner == "" {
			owner = doc.ID
		}
		return repository.PublicKey{ID: keyID, Owner: owner, Algorithm: algorithmFor(pub), Key: pub}, nil
	}
	return repository.PublicKey{}, &FetchError{KeyID: keyID, Err: ErrKeyNotInDocument}
}
