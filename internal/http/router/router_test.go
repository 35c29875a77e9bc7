package router_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dropDatabas3/hellofed/internal/activity"
	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/delivery"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/http/handlers"
	mw "github.com/dropDatabas3/hellofed/internal/http/middlewares"
	"github.com/dropDatabas3/hellofed/internal/http/router"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/inbound"
	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/rate"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
	"github.com/dropDatabas3/hellofed/internal/store/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	localActor = "https://fed.example/users/alice"
	adminToken = "s3cret"
)

func mustRSA() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}

var (
	remoteKey = mustRSA()
	localKey  = mustRSA()
)

type env struct {
	handler  http.Handler
	engine   *httpsig.Engine
	manager  *keys.Manager
	remote   *httptest.Server
	received []*activity.Activity
}

func (e *env) remoteActor() string { return e.remote.URL + "/users/bob" }
func (e *env) remoteKeyID() string { return e.remoteActor() + "#main-key" }

func newEnv(t *testing.T, checks map[string]handlers.Check) *env {
	t.Helper()
	e := &env{}
	e.remote = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pemStr, _ := keypem.EncodePublic(&remoteKey.PublicKey)
		w.Header().Set("Content-Type", "application/activity+json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": e.remoteActor(),
			"publicKey": map[string]string{
				"id": e.remoteKeyID(), "owner": e.remoteActor(), "publicKeyPem": pemStr,
			},
		})
	}))
	t.Cleanup(e.remote.Close)

	e.engine = httpsig.NewEngine(httpsig.Options{})
	e.manager = keys.NewManager(memory.NewKeyStore(), keys.Config{},
		keys.WithGenerator(func(int) (crypto.Signer, error) { return localKey, nil }))
	_, err := e.manager.EnsureActive(context.Background(), localActor)
	require.NoError(t, err)

	kc := inbound.NewKeyCache(cache.NewMemory("", 0), &inbound.HTTPKeyFetcher{Timeout: 5 * time.Second}, inbound.KeyCacheConfig{})
	verifier := inbound.NewVerifier(inbound.Config{
		Engine: e.engine, Cache: kc, Local: e.manager, LocalKeyPrefix: "https://fed.example/",
	})
	queue := delivery.NewQueue(memory.NewJobStore(), e.manager, e.engine,
		delivery.TransportFunc(func(context.Context, string, http.Header, []byte) (*delivery.Response, error) {
			return nil, errors.New("not used")
		}), delivery.Config{})

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	e.handler = router.New(router.Deps{
		Inbox: &handlers.Inbox{
			Verifier: verifier,
			MaxBody:  1 << 20,
			Sink: handlers.InboxSinkFunc(func(_ context.Context, act *activity.Activity, _ inbound.Decision) error {
				e.received = append(e.received, act)
				return nil
			}),
		},
		Keys:       &handlers.KeyDocument{Keys: e.manager},
		Deliveries: &handlers.Deliveries{Queue: queue},
		Health:     &handlers.Health{Checks: checks, Engine: e.engine, SelfKey: remoteKey},
		AdminToken: adminToken,
		Gatherer:   reg,
	})
	return e
}

func (e *env) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, r)
	return rec
}

func (e *env) signedInbox(t *testing.T, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "https://fed.example/users/alice/inbox", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/activity+json")
	key := &repository.Key{
		ID: e.remoteKeyID(), ActorID: e.remoteActor(), Algorithm: repository.AlgRSASHA256,
		PrivateKey: remoteKey, PublicKey: &remoteKey.PublicKey, State: repository.KeyActive,
	}
	require.NoError(t, e.engine.SignRequest(r, []byte(body), key))
	return r
}

func (e *env) admin(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+adminToken)
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	return r
}

type apiError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestInbox_AcceptsSignedActivity(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"type":"Follow","id":"` + e.remoteActor() + `/follows/1","actor":"` + e.remoteActor() + `","object":"` + localActor + `"}`

	rec := e.do(e.signedInbox(t, body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, e.received, 1)
	assert.Equal(t, activity.KindFollow, e.received[0].Kind)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestInbox_UnsignedIsSignatureInvalid(t *testing.T) {
	e := newEnv(t, nil)
	r := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{"type":"Create"}`))
	r.Header.Set("Content-Type", "application/activity+json")

	rec := e.do(r)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := errorOf(t, rec)
	assert.Equal(t, "signature_invalid", body.Code)
	assert.Equal(t, string(httpsig.ReasonMalformed), body.Detail)
	assert.Empty(t, e.received)
}

func TestInbox_TamperedBodyIsDigestMismatch(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"type":"Like","id":"` + e.remoteActor() + `/likes/1","actor":"` + e.remoteActor() + `","object":"x"}`
	signed := e.signedInbox(t, body)
	r := httptest.NewRequest(http.MethodPost, signed.URL.String(), strings.NewReader(strings.Replace(body, `"x"`, `"y"`, 1)))
	r.Header = signed.Header.Clone()

	rec := e.do(r)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(httpsig.ReasonDigestMismatch), errorOf(t, rec).Detail)
}

func TestInbox_ActorMustOwnKey(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"type":"Create","id":"https://elsewhere/acts/1","actor":"https://elsewhere/users/mallory"}`

	rec := e.do(e.signedInbox(t, body))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "actor_mismatch", errorOf(t, rec).Code)
	assert.Empty(t, e.received)
}

// inboxGated arma un router cuyo inbox admite un request por IP y hora.
func inboxGated(t *testing.T, proxies []string) http.Handler {
	t.Helper()
	tp, err := mw.ParseTrustedProxies(proxies)
	require.NoError(t, err)
	buckets := rate.NewBuckets()
	buckets.Set(inbound.InboxBucket, rate.NewMemoryLimiter(rate.Limit{Window: time.Hour, Max: 1}))
	v := inbound.NewVerifier(inbound.Config{Engine: httpsig.NewEngine(httpsig.Options{}), Gate: buckets})
	return router.New(router.Deps{
		Inbox:          &handlers.Inbox{Verifier: v, MaxBody: 1 << 20},
		TrustedProxies: tp,
		Gatherer:       prometheus.NewRegistry(),
	})
}

func unsignedFrom(peer, xff string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{"type":"Create"}`))
	r.Header.Set("Content-Type", "application/activity+json")
	r.RemoteAddr = peer
	r.Header.Set("X-Forwarded-For", xff)
	return r
}

func TestInbox_RateGateIgnoresSpoofedForwardedFor(t *testing.T) {
	h := inboxGated(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, unsignedFrom("198.51.100.7:4000", "203.0.113.1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// otro X-Forwarded-For desde el mismo peer sigue contando contra su ventana
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, unsignedFrom("198.51.100.7:4000", "203.0.113.2"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestInbox_RateGateUsesForwardedForFromTrustedProxy(t *testing.T) {
	h := inboxGated(t, []string{"10.0.0.0/8"})

	for _, client := range []string{"203.0.113.1", "203.0.113.2"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, unsignedFrom("10.0.0.2:80", client))
		require.Equal(t, http.StatusUnauthorized, rec.Code, client)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, unsignedFrom("10.0.0.2:80", "203.0.113.1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestInbox_RejectsNonActivityContentType(t *testing.T) {
	e := newEnv(t, nil)
	r := httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader("hi"))
	r.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, e.do(r).Code)
}

func TestKeyDocument(t *testing.T) {
	e := newEnv(t, nil)
	k, err := e.manager.ResolveForSigning(context.Background(), localActor)
	require.NoError(t, err)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/keys?id="+url.QueryEscape(k.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/activity+json", rec.Header().Get("Content-Type"))

	var doc map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, k.ID, doc["id"])
	assert.Equal(t, localActor, doc["owner"])
	assert.Equal(t, string(repository.KeyActive), doc["state"])
	pub, err := keypem.DecodePublic(doc["publicKeyPem"])
	require.NoError(t, err)
	assert.True(t, pub.(*rsa.PublicKey).Equal(k.PublicKey))

	assert.Equal(t, http.StatusNotFound, e.do(httptest.NewRequest(http.MethodGet, "/keys?id=https%3A%2F%2Ffed.example%2Fusers%2Fnope%23main-key", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(httptest.NewRequest(http.MethodGet, "/keys?id=https%3A%2F%2Ffed.example%2Fnope", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(httptest.NewRequest(http.MethodGet, "/keys", nil)).Code)
}

func TestKeyDocument_RevokedKeyIsGone(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	k, err := e.manager.ResolveForSigning(ctx, localActor)
	require.NoError(t, err)
	require.NoError(t, e.manager.Revoke(ctx, k.ID, repository.RevokedCompromised))

	rec := e.do(httptest.NewRequest(http.MethodGet, "/keys?id="+url.QueryEscape(k.ID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeliveries_Lifecycle(t *testing.T) {
	e := newEnv(t, nil)
	payload := `{
		"activity": {"type":"Create","id":"` + localActor + `/acts/1","actor":"` + localActor + `","object":{"type":"Note"}},
		"recipients": [
			{"id":"https://a.example/users/1","inbox":"https://a.example/users/1/inbox","shared_inbox":"https://a.example/inbox"},
			{"id":"https://a.example/users/2","inbox":"https://a.example/users/2/inbox","shared_inbox":"https://a.example/inbox"}
		]
	}`
	rec := e.do(e.admin(http.MethodPost, "/deliveries", payload))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out struct {
		JobIDs []string `json:"job_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.JobIDs, 1, "recipients sharing an inbox collapse to one job")
	id := out.JobIDs[0]

	rec = e.do(e.admin(http.MethodGet, "/deliveries/"+id, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "pending", job["state"])
	assert.Equal(t, "https://a.example/inbox", job["target_inbox"])
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = e.do(e.admin(http.MethodDelete, "/deliveries/"+id, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(e.admin(http.MethodDelete, "/deliveries/"+id, ""))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_cancellable", errorOf(t, rec).Code)

	rec = e.do(e.admin(http.MethodGet, "/deliveries?state=cancelled", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, id, list.Jobs[0]["id"])
}

func TestDeliveries_Errors(t *testing.T) {
	e := newEnv(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/deliveries?state=pending", nil)
	assert.Equal(t, http.StatusUnauthorized, e.do(r).Code, "admin token required")

	assert.Equal(t, http.StatusNotFound, e.do(e.admin(http.MethodGet, "/deliveries/nope", "")).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(e.admin(http.MethodGet, "/deliveries?state=bogus", "")).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(e.admin(http.MethodPost, "/deliveries", `{"activity":{"type":"Create"},"recipients":[]}`)).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(e.admin(http.MethodPost, "/deliveries", `{`)).Code)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, http.StatusOK, e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	down := newEnv(t, map[string]handlers.Check{
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec = down.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "redis unavailable", errorOf(t, rec).Detail)
	assert.NotContains(t, rec.Body.String(), "refused")
}

func TestMetricsAndNotFound(t *testing.T) {
	e := newEnv(t, nil)
	e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `hellofed_http_requests_total{method="GET",route="/healthz",status="200"}`)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route_not_found", errorOf(t, rec).Code)
}
