package inbound_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/inbound"
	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/rate"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
	"github.com/dropDatabas3/hellofed/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rsaKeys = func() []*rsa.PrivateKey {
	out := make([]*rsa.PrivateKey, 2)
	for i := range out {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		out[i] = k
	}
	return out
}()

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// remote simula el servidor del actor remoto.
type remote struct {
	srv     *httptest.Server
	fetches atomic.Int64
	mu      sync.Mutex
	pub     *rsa.PublicKey
	status  int
}

func newRemote(t *testing.T, pub *rsa.PublicKey) *remote {
	r := &remote{pub: pub, status: http.StatusOK}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.fetches.Add(1)
		r.mu.Lock()
		status, pub := r.status, r.pub
		r.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		assert.Contains(t, req.Header.Get("Accept"), "application/activity+json")
		pemStr, err := keypem.EncodePublic(pub)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/activity+json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   r.actor(),
			"type": "Person",
			"publicKey": map[string]string{
				"id": r.keyID(), "owner": r.actor(), "publicKeyPem": pemStr,
			},
		})
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *remote) actor() string { return r.srv.URL + "/users/bob" }
func (r *remote) keyID() string { return r.actor() + "#main-key" }

func (r *remote) set(pub *rsa.PublicKey, status int) {
	r.mu.Lock()
	r.pub, r.status = pub, status
	r.mu.Unlock()
}

func (r *remote) signingKey(priv *rsa.PrivateKey) *repository.Key {
	return &repository.Key{
		ID: r.keyID(), ActorID: r.actor(), Algorithm: repository.AlgRSASHA256,
		PrivateKey: priv, PublicKey: &priv.PublicKey, State: repository.KeyActive,
	}
}

type fixture struct {
	clock    *clock
	engine   *httpsig.Engine
	verifier *inbound.Verifier
	cache    *inbound.KeyCache
}

func newFixture(t *testing.T, mutate func(*inbound.Config)) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	engine := httpsig.NewEngine(httpsig.Options{Now: c.Now})
	kc := inbound.NewKeyCache(cache.NewMemory("", 0),
		&inbound.HTTPKeyFetcher{Timeout: 5 * time.Second},
		inbound.KeyCacheConfig{TTL: time.Hour, MaxStale: 24 * time.Hour, Now: c.Now})
	cfg := inbound.Config{Engine: engine, Cache: kc}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{clock: c, engine: engine, verifier: inbound.NewVerifier(cfg), cache: kc}
}

func (f *fixture) signedRequest(t *testing.T, key *repository.Key, body string) inbound.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "https://local.example/users/alice/inbox", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/activity+json")
	require.NoError(t, f.engine.SignRequest(r, []byte(body), key))
	req, err := inbound.RequestFromHTTP(r, 1<<20)
	require.NoError(t, err)
	return req
}

const note = `{"type":"Create","id":"https://remote/act/1","actor":"https://remote/users/bob"}`

func TestVerify_FetchThenCacheHit(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note))
	require.True(t, d.Accepted, "reason=%s detail=%s", d.Reason, d.Detail)
	assert.Equal(t, rm.keyID(), d.KeyID)
	assert.Equal(t, rm.actor(), d.Owner)

	d = f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note))
	require.True(t, d.Accepted)
	assert.EqualValues(t, 1, rm.fetches.Load(), "second request served from cache")
}

func TestVerify_RemoteRotatedRefetchesOnce(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	f := newFixture(t, nil)
	ctx := context.Background()

	require.True(t, f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note)).Accepted)

	// el remoto rota la clave detrás del mismo keyId
	rm.set(&rsaKeys[1].PublicKey, http.StatusOK)
	d := f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[1]), note))
	require.True(t, d.Accepted, "reason=%s", d.Reason)
	assert.EqualValues(t, 2, rm.fetches.Load())

	// ya cacheada la nueva, no hay más fetches
	require.True(t, f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[1]), note)).Accepted)
	assert.EqualValues(t, 2, rm.fetches.Load())
}

func TestVerify_ForgedSignatureStaysRejectedAfterRefetch(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	f := newFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note)).Accepted)

	d := f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[1]), note))
	assert.False(t, d.Accepted)
	assert.Equal(t, httpsig.ReasonBadSignature, d.Reason)
	assert.EqualValues(t, 2, rm.fetches.Load(), "exactly one forced refetch")
}

func TestVerify_FetchFailureIsKeyUnresolvable(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	rm.set(&rsaKeys[0].PublicKey, http.StatusGone)
	f := newFixture(t, nil)

	d := f.verifier.Verify(context.Background(), f.signedRequest(t, rm.signingKey(rsaKeys[0]), note))
	assert.False(t, d.Accepted)
	assert.Equal(t, inbound.ReasonKeyUnresolvable, d.Reason)
}

func TestVerify_UnreachableRemoteIsKeyUnresolvable(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	f := newFixture(t, nil)
	req := f.signedRequest(t, rm.signingKey(rsaKeys[0]), note)
	rm.srv.Close()

	d := f.verifier.Verify(context.Background(), req)
	assert.Equal(t, inbound.ReasonKeyUnresolvable, d.Reason)
}

func TestVerify_ExpiredEntryServedStaleWhenRemoteDown(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	f := newFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note)).Accepted)

	f.clock.Advance(2 * time.Hour)
	rm.set(&rsaKeys[0].PublicKey, http.StatusServiceUnavailable)
	d := f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note))
	assert.True(t, d.Accepted, "reason=%s", d.Reason)
	assert.EqualValues(t, 2, rm.fetches.Load(), "expired entry triggers a refresh attempt")

	f.clock.Advance(48 * time.Hour)
	d = f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note))
	assert.Equal(t, inbound.ReasonKeyUnresolvable, d.Reason, "beyond max-stale")
}

func TestVerify_Malformed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := f.verifier.Verify(ctx, inbound.Request{Method: "POST", Path: "/inbox", Header: http.Header{}})
	assert.Equal(t, httpsig.ReasonMalformed, d.Reason)

	h := http.Header{}
	h.Set("Signature", `keyId="x",signature=`)
	d = f.verifier.Verify(ctx, inbound.Request{Method: "POST", Path: "/inbox", Header: h})
	assert.Equal(t, httpsig.ReasonMalformed, d.Reason)
}

func TestVerify_TamperedBody(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	f := newFixture(t, nil)
	req := f.signedRequest(t, rm.signingKey(rsaKeys[0]), note)
	req.Body = []byte(strings.Replace(note, "Create", "Delete", 1))

	d := f.verifier.Verify(context.Background(), req)
	assert.Equal(t, httpsig.ReasonDigestMismatch, d.Reason)
	assert.EqualValues(t, 1, rm.fetches.Load(), "digest failures never force a refetch")
}

func TestVerify_RateGateRunsFirst(t *testing.T) {
	rm := newRemote(t, &rsaKeys[0].PublicKey)
	buckets := rate.NewBuckets()
	buckets.Set(inbound.InboxBucket, rate.NewMemoryLimiter(rate.Limit{Window: time.Hour, Max: 1}))
	f := newFixture(t, func(c *inbound.Config) { c.Gate = buckets })
	ctx := context.Background()

	require.True(t, f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note)).Accepted)
	d := f.verifier.Verify(ctx, f.signedRequest(t, rm.signingKey(rsaKeys[0]), note))
	assert.Equal(t, inbound.ReasonRateLimited, d.Reason)
	assert.Positive(t, d.RetryAfter)
	assert.EqualValues(t, 1, rm.fetches.Load())
}

func TestVerify_LocalKeysSkipNetwork(t *testing.T) {
	store := memory.NewKeyStore()
	m := keys.NewManager(store, keys.Config{}, keys.WithGenerator(func(int) (crypto.Signer, error) {
		return rsaKeys[0], nil
	}))
	ctx := context.Background()
	const local = "https://local.example/users/alice"
	k, err := m.Generate(ctx, local)
	require.NoError(t, err)

	f := newFixture(t, func(c *inbound.Config) {
		c.Local = m
		c.LocalKeyPrefix = "https://local.example/"
	})
	d := f.verifier.Verify(ctx, f.signedRequest(t, k, note))
	require.True(t, d.Accepted, "reason=%s", d.Reason)
	assert.Equal(t, local, d.Owner)

	unknown := *k
	unknown.ID = local + "#nope"
	d = f.verifier.Verify(ctx, f.signedRequest(t, &unknown, note))
	assert.Equal(t, inbound.ReasonKeyUnresolvable, d.Reason)
}

func TestRequestFromHTTP_BodyLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(strings.Repeat("x", 11)))
	_, err := inbound.RequestFromHTTP(r, 10)
	assert.ErrorIs(t, err, inbound.ErrBodyTooLarge)

	r = httptest.NewRequest(http.MethodPost, "/inbox?x=1", strings.NewReader("hello"))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req, err := inbound.RequestFromHTTP(r, 10)
	require.NoError(t, err)
	assert.Equal(t, "/inbox?x=1", req.Path)
	// el header lo puede poner cualquiera: acá solo cuenta el peer TCP
	assert.Equal(t, "192.0.2.1", req.RemoteIP)
	assert.Equal(t, "hello", string(req.Body))
}
