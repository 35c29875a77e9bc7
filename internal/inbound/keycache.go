package inbound

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Defaults del cache de claves remotas.
const (
	DefaultKeyCacheTTL  = time.Hour
	DefaultMaxStale     = 24 * time.Hour
	DefaultFetchTimeout = 30 * time.Second
)

// Source indica de dónde salió una clave resuelta.
type Source string

const (
	SourceLocal   Source = "local"
	SourceFresh   Source = "fresh"   // cache dentro del TTL
	SourceFetched Source = "fetched" // fetch remoto en esta llamada
	SourceStale   Source = "stale"   // fetch falló; entrada vencida pero dentro de max-stale
)

// KeyCache cachea claves remotas por keyId sobre un cache.Client. Los
// fetches concurrentes del mismo keyId se colapsan en uno.
type KeyCache struct {
	c        cache.Client
	fetcher  KeyFetcher
	ttl      time.Duration
	maxStale time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      *zap.Logger
	group    singleflight.Group
}

// KeyCacheConfig configura un KeyCache. Ceros toman los defaults.
type KeyCacheConfig struct {
	TTL          time.Duration
	MaxStale     time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

func NewKeyCache(c cache.Client, fetcher KeyFetcher, cfg KeyCacheConfig) *KeyCache {
	kc := &KeyCache{
		c: c, fetcher: fetcher,
		ttl: cfg.TTL, maxStale: cfg.MaxStale, timeout: cfg.FetchTimeout,
		now: cfg.Now, log: logger.OrNop(cfg.Logger).With(logger.Component("inbound.keycache")),
	}
	if kc.ttl <= 0 {
		kc.ttl = DefaultKeyCacheTTL
	}
	if kc.maxStale <= 0 {
		kc.maxStale = DefaultMaxStale
	}
	if kc.maxStale < kc.ttl {
		kc.maxStale = kc.ttl
	}
	if kc.timeout <= 0 {
		kc.timeout = DefaultFetchTimeout
	}
	if kc.now == nil {
		kc.now = time.Now
	}
	return kc
}

type cacheEntry struct {
	KeyID     string               `json:"key_id"`
	Owner     string               `json:"owner"`
	Algorithm repository.Algorithm `json:"algorithm,omitempty"`
	PEM       string               `json:"pem"`
	FetchedAt time.Time            `json:"fetched_at"`
}

func cacheKey(keyID string) string { return "pubkey:" + keyID }

// Resolve devuelve la clave de keyID. Con force ignora el cache y va al remoto.
func (kc *KeyCache) Resolve(ctx context.Context, keyID string, force bool) (repository.PublicKey, Source, error) {
	entry, pub, haveEntry := kc.load(ctx, keyID)
	if haveEntry && !force && kc.now().Sub(entry.FetchedAt) < kc.ttl {
		metrics.KeyCacheLookups.WithLabelValues("fresh").Inc()
		return pub, SourceFresh, nil
	}
	if !haveEntry {
		metrics.KeyCacheLookups.WithLabelValues("miss").Inc()
	}

	v, err, _ := kc.group.Do(keyID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kc.timeout)
		defer cancel()
		return kc.fetchAndStore(fctx, keyID)
	})
	if err == nil {
		return v.(repository.PublicKey), SourceFetched, nil
	}

	if haveEntry && !force && kc.now().Sub(entry.FetchedAt) < kc.maxStale {
		metrics.KeyCacheLookups.WithLabelValues("stale").Inc()
		kc.log.Warn("remote key fetch failed, serving stale entry",
			logger.KeyID(keyID), logger.Err(err), logger.Duration(kc.now().Sub(entry.FetchedAt)))
		return pub, SourceStale, nil
	}
	return repository.PublicKey{}, "", err
}

// Invalidate borra la entrada de keyID.
func (kc *KeyCache) Invalidate(ctx context.Context, keyID string) error {
	return kc.c.Delete(ctx, cacheKey(keyID))
}

func (kc *KeyCache) fetchAndStore(ctx context.Context, keyID string) (repository.PublicKey, error) {
	pub, err := kc.fetcher.Fetch(ctx, keyID)
	if err != nil {
		metrics.RemoteKeyFetches.WithLabelValues("error").Inc()
		return repository.PublicKey{}, err
	}
	metrics.RemoteKeyFetches.WithLabelValues("ok").Inc()

	pemStr, err := keypem.EncodePublic(pub.Key)
	if err != nil {
		return repository.PublicKey{}, err
	}
	b, err := json.Marshal(cacheEntry{
		KeyID: keyID, Owner: pub.Owner, Algorithm: pub.Algorithm, PEM: pemStr, FetchedAt: kc.now().UTC(),
	})
	if err != nil {
		return repository.PublicKey{}, err
	}
	// La entrada vive hasta max-stale; la frescura se decide con fetched_at.
	if err := kc.c.Set(ctx, cacheKey(keyID), b, kc.maxStale); err != nil {
		kc.log.Warn("key cache write failed", logger.KeyID(keyID), logger.Err(err))
	}
	return pub, nil
}

func (kc *KeyCache) load(ctx context.Context, keyID string) (cacheEntry, repository.PublicKey, bool) {
	b, err := kc.c.Get(ctx, cacheKey(keyID))
	if err != nil {
		if !cache.IsNotFound(err) {
			kc.log.Warn("key cache read failed", logger.KeyID(keyID), logger.Err(err))
		}
		return cacheEntry{}, repository.PublicKey{}, false
	}
	var e cacheEntry
	if err := json.Unmarshal(b, &e); err != nil || e.KeyID != keyID {
		return cacheEntry{}, repository.PublicKey{}, false
	}
	k, err := keypem.DecodePublic(e.PEM)
	if err != nil {
		return cacheEntry{}, repository.PublicKey{}, false
	}
	return e, repository.PublicKey{ID: e.KeyID, Owner: e.Owner, Algorithm: e.Algorithm, Key: k}, true
}

func algorithmFor(k any) repository.Algorithm {
	if _, ok := k.(ed25519.PublicKey); ok {
		return repository.AlgHS2019
	}
	return repository.AlgRSASHA256
}
