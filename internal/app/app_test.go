package app_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dropDatabas3/hellofed/internal/activity"
	"github.com/dropDatabas3/hellofed/internal/app"
	"github.com/dropDatabas3/hellofed/internal/config"
	"github.com/dropDatabas3/hellofed/internal/delivery"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "https://fed.example/users/alice"

var testKey = func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}()

func fixedGen(int) (crypto.Signer, error) { return testKey, nil }

func TestNew_MemoryDefaults(t *testing.T) {
	cfg := config.Default()
	a, err := app.New(context.Background(), cfg, nil, app.WithKeyGenerator(fixedGen))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNew_FSRequiresMasterKey(t *testing.T) {
	t.Setenv(secretbox.EnvMasterKey, "")
	cfg := config.Default()
	cfg.Storage.Driver = "fs"
	cfg.Storage.Dir = t.TempDir()

	_, err := app.New(context.Background(), cfg, nil)
	require.ErrorIs(t, err, secretbox.ErrNoMasterKey)
}

func TestNew_SealedDSNRequiresMasterKey(t *testing.T) {
	box, err := secretbox.New(make([]byte, 32))
	require.NoError(t, err)
	sealed, err := box.SealString(secretbox.PurposeDSN, "postgres://fed:pw@127.0.0.1:1/hellofed")
	require.NoError(t, err)

	t.Setenv(secretbox.EnvMasterKey, "")
	cfg := config.Default()
	cfg.Delivery.Queue = "postgres"
	cfg.Storage.Postgres.DSN = sealed

	_, err = app.New(context.Background(), cfg, nil)
	require.ErrorIs(t, err, secretbox.ErrNoMasterKey)
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Driver = "redis"
	cfg.Cache.Redis.Addr = "127.0.0.1:1"

	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)
}

// Todo sobre redis: bootstrap de claves por el scheduler y una entrega de
// punta a punta por la cola redisq.
func TestRun_RedisStackDelivers(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Cache.Driver = "redis"
	cfg.Delivery.Queue = "redis"
	cfg.Rate.Driver = "redis"
	cfg.Cache.Redis.Addr = mr.Addr()
	cfg.Keys.Actors = []string{alice}

	var sent atomic.Int64
	tr := delivery.TransportFunc(func(_ context.Context, _ string, h http.Header, _ []byte) (*delivery.Response, error) {
		if h.Get("Signature") == "" {
			return &delivery.Response{StatusCode: http.StatusUnauthorized}, nil
		}
		sent.Add(1)
		return &delivery.Response{StatusCode: http.StatusAccepted}, nil
	})

	a, err := app.New(context.Background(), cfg, nil, app.WithKeyGenerator(fixedGen), app.WithTransport(tr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := a.Keys.ResolveForSigning(context.Background(), alice)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "scheduler bootstraps configured actors")

	act, err := activity.Parse([]byte(`{"type":"Create","id":"` + alice + `/acts/1","actor":"` + alice + `","object":{}}`))
	require.NoError(t, err)
	ids, err := a.Queue.Enqueue(context.Background(), act, []delivery.Recipient{
		{ID: "https://b.example/users/bob", Inbox: "https://b.example/users/bob/inbox"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.Eventually(t, func() bool {
		j, err := a.Queue.Status(context.Background(), ids[0])
		return err == nil && j.State == repository.JobSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, sent.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
