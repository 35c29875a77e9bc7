package inbound

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edPEM(t *testing.T) (ed25519.PublicKey, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := keypem.EncodePublic(pub)
	require.NoError(t, err)
	return pub, s
}

func TestParseKeyDocument_Shapes(t *testing.T) {
	_, pemStr := edPEM(t)
	const actor = "https://r.example/users/bob"

	t.Run("actor with key array", func(t *testing.T) {
		doc, _ := json.Marshal(map[string]any{
			"id": actor,
			"publicKey": []map[string]string{
				{"id": actor + "#old", "owner": actor, "publicKeyPem": pemStr},
				{"id": actor + "#new", "owner": actor, "publicKeyPem": pemStr},
			},
		})
		pub, err := ParseKeyDocument(actor+"#new", doc)
		require.NoError(t, err)
		assert.Equal(t, actor+"#new", pub.ID)
		assert.Equal(t, actor, pub.Owner)
		assert.Equal(t, repository.AlgHS2019, pub.Algorithm)
	})

	t.Run("bare key document", func(t *testing.T) {
		doc, _ := json.Marshal(map[string]string{
			"id": actor + "/key", "owner": actor, "publicKeyPem": pemStr,
		})
		pub, err := ParseKeyDocument(actor+"/key", doc)
		require.NoError(t, err)
		assert.Equal(t, actor, pub.Owner)
	})

	t.Run("key missing", func(t *testing.T) {
		doc, _ := json.Marshal(map[string]any{
			"id":        actor,
			"publicKey": map[string]string{"id": actor + "#a", "publicKeyPem": pemStr},
		})
		_, err := ParseKeyDocument(actor+"#b", doc)
		assert.True(t, errors.Is(err, ErrKeyNotInDocument))
	})
}

func TestHTTPKeyFetcher_StripsFragmentAndSigns(t *testing.T) {
	_, pemStr := edPEM(t)
	var gotPath, gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotSig = r.URL.Path, r.Header.Get("Signature")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "x",
			"publicKey": map[string]string{
				"id": "http://" + r.Host + "/users/bob#main-key", "owner": "http://" + r.Host + "/users/bob",
				"publicKeyPem": pemStr,
			},
		})
	}))
	defer srv.Close()

	f := &HTTPKeyFetcher{
		Timeout: time.Second,
		Sign: func(req *http.Request) error {
			req.Header.Set("Signature", "signed")
			return nil
		},
	}
	pub, err := f.Fetch(context.Background(), srv.URL+"/users/bob#main-key")
	require.NoError(t, err)
	assert.Equal(t, "/users/bob", gotPath)
	assert.Equal(t, "signed", gotSig)
	assert.Equal(t, srv.URL+"/users/bob", pub.Owner)

	_, err = f.Fetch(context.Background(), "acct:bob@r.example")
	var fe *FetchError
	assert.True(t, errors.As(err, &fe))
}

type slowFetcher struct {
	calls atomic.Int64
	pub   repository.PublicKey
}

func (s *slowFetcher) Fetch(ctx context.Context, keyID string) (repository.PublicKey, error) {
	s.calls.Add(1)
	time.Sleep(50 * time.Millisecond)
	return s.pub, nil
}

func TestKeyCache_CollapsesConcurrentFetches(t *testing.T) {
	pub, _ := edPEM(t)
	sf := &slowFetcher{pub: repository.PublicKey{ID: "k", Owner: "o", Key: pub}}
	kc := NewKeyCache(cache.NewMemory("", 0), sf, KeyCacheConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := kc.Resolve(context.Background(), "k", false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, sf.calls.Load())

	_, src, err := kc.Resolve(context.Background(), "k", false)
	require.NoError(t, err)
	assert.Equal(t, SourceFresh, src)

	require.NoError(t, kc.Invalidate(context.Background(), "k"))
	_, src, err = kc.Resolve(context.Background(), "k", false)
	require.NoError(t, err)
	assert.Equal(t, SourceFetched, src)
}
