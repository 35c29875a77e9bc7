// Package keys es el KeyManager: dueño exclusivo del ciclo de vida de las
// claves de firma de los actores locales.
//
//	Active --rotate--> Overlapping --overlap elapsed (SweepExpired)--> Archived
//
// Las lecturas de firma (ResolveForSigning) ven un snapshot inmutable por
// actor; las escrituras se serializan por actor y se persisten en un único
// KeyStore.Put atómico, así nunca se observa un estado medio rotado.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/hellofed/internal/audit"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultRotationInterval = 30 * 24 * time.Hour
	DefaultOverlap          = 2 * 24 * time.Hour
	DefaultKeySize          = 2048
	defaultSnapshotTTL      = 30 * time.Second
)

// Config son los parámetros de ciclo de vida.
type Config struct {
	RotationInterval time.Duration
	Overlap          time.Duration
	KeySize          int
	Algorithm        repository.Algorithm
}

func (c *Config) defaults() {
	if c.RotationInterval <= 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.Overlap <= 0 {
		c.Overlap = DefaultOverlap
	}
	if c.KeySize <= 0 {
		c.KeySize = DefaultKeySize
	}
	if c.Algorithm == "" {
		c.Algorithm = repository.AlgRSASHA256
	}
}

// Option configura un Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option  { return func(m *Manager) { m.now = now } }
func WithGenerator(g Generator) Option       { return func(m *Manager) { m.gen = g } }
func WithKeyID(f KeyIDFunc) Option           { return func(m *Manager) { m.keyID = f } }
func WithLogger(l *zap.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithSnapshotTTL(d time.Duration) Option { return func(m *Manager) { m.snapTTL = d } }

// keyring es el snapshot inmutable de un actor. Se reemplaza entero, nunca se muta.
type keyring struct {
	active   *repository.Key // nil si no hay
	loadedAt time.Time
}

// Manager implementa el KeyManager sobre un repository.KeyStore.
type Manager struct {
	store   repository.KeyStore
	cfg     Config
	now     func() time.Time
	gen     Generator
	keyID   KeyIDFunc
	log     *zap.Logger
	snapTTL time.Duration

	locks sync.Map // actorID -> *sync.Mutex

	mu    sync.RWMutex
	rings map[string]*keyring
}

// NewManager crea un Manager aislado. No hay estado global: cada test
// construye el suyo.
func NewManager(store repository.KeyStore, cfg Config, opts ...Option) *Manager {
	cfg.defaults()
	m := &Manager{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		gen:     GenerateRSA,
		keyID:   DefaultKeyID,
		snapTTL: defaultSnapshotTTL,
		rings:   make(map[string]*keyring),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logger.OrNop(m.log).With(logger.Component("keys"))
	return m
}

// Config devuelve la configuración efectiva.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) lockFor(actorID string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(actorID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// ─── Lectura ───

// ResolveForSigning devuelve la clave Active del actor. Falla con
// ErrNoActiveKey si el actor nunca generó una.
func (m *Manager) ResolveForSigning(ctx context.Context, actorID string) (*repository.Key, error) {
	now := m.now()
	m.mu.RLock()
	ring := m.rings[actorID]
	m.mu.RUnlock()

	stale := ring == nil || now.Sub(ring.loadedAt) > m.snapTTL
	if !stale {
		// Otro proceso (fedkeys) comparte el store: el snapshot solo vale si
		// la clave sigue Active y sin revocar ahí.
		ok, err := m.stillActive(ctx, ring)
		if err != nil {
			return nil, kmErr("resolve_for_signing", actorID, err)
		}
		stale = !ok
	}
	if stale {
		var err error
		if ring, err = m.reload(ctx, actorID, now); err != nil {
			return nil, err
		}
	}
	if ring.active == nil {
		return nil, kmErr("resolve_for_signing", actorID, ErrNoActiveKey)
	}
	return ring.active.Clone(), nil
}

// stillActive confirma contra el store la clave del snapshot. Un snapshot
// sin clave nunca se confía: puede haberse generado una desde afuera.
func (m *Manager) stillActive(ctx context.Context, ring *keyring) (bool, error) {
	if ring.active == nil {
		return false, nil
	}
	cur, err := m.store.Get(ctx, ring.active.ID)
	if err != nil {
		if repository.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return cur.State == repository.KeyActive && cur.RevokedAt == nil, nil
}

// reload relee la clave activa del store y publica un snapshot nuevo.
func (m *Manager) reload(ctx context.Context, actorID string, now time.Time) (*keyring, error) {
	m.mu.RLock()
	seen := m.rings[actorID]
	m.mu.RUnlock()

	active, err := m.store.ListActive(ctx, actorID)
	if err != nil {
		return nil, kmErr("load", actorID, err)
	}
	var cur *repository.Key
	if len(active) > 0 {
		cur = active[0]
		if len(active) > 1 {
			m.log.Warn("more than one active key, using newest",
				logger.ActorID(actorID), logger.KeyID(cur.ID), logger.Count(len(active)))
		}
	}
	ring := &keyring{active: cur, loadedAt: now}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Un writer pudo publicar mientras leíamos el store; su snapshot gana.
	if m.rings[actorID] != seen {
		return m.rings[actorID], nil
	}
	m.rings[actorID] = ring
	return ring, nil
}

func (m *Manager) publish(actorID string, active *repository.Key, now time.Time) *keyring {
	ring := &keyring{active: active, loadedAt: now}
	m.mu.Lock()
	m.rings[actorID] = ring
	m.mu.Unlock()
	return ring
}

// ResolveForVerification devuelve la mitad pública de cualquier clave local,
// en cualquier estado. Las Archived siguen verificando; solo las revocadas
// por compromiso dejan de hacerlo.
func (m *Manager) ResolveForVerification(ctx context.Context, keyID string) (repository.PublicKey, error) {
	k, err := m.store.Get(ctx, keyID)
	if err != nil {
		if repository.IsNotFound(err) {
			return repository.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
		return repository.PublicKey{}, &KeyManagementError{Op: "resolve_for_verification", KeyID: keyID, Err: err}
	}
	if k.Compromised() {
		return repository.PublicKey{}, fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	return k.Public(), nil
}

// ListByActor devuelve todas las claves del actor sin material privado.
func (m *Manager) ListByActor(ctx context.Context, actorID string) ([]*repository.Key, error) {
	ks, err := m.store.ListByActor(ctx, actorID)
	if err != nil {
		return nil, kmErr("list", actorID, err)
	}
	for _, k := range ks {
		k.PrivateKey = nil
	}
	return ks, nil
}

// ─── Escritura ───

// Generate crea un keypair nuevo y lo deja Active; la Active previa (si
// existe) pasa a Overlapping en la misma escritura atómica.
func (m *Manager) Generate(ctx context.Context, actorID string) (*repository.Key, error) {
	lock := m.lockFor(actorID)
	lock.Lock()
	defer lock.Unlock()
	return m.generateLocked(ctx, actorID, "forced", nil)
}

// EnsureActive devuelve la clave Active, generándola si el actor no tiene.
func (m *Manager) EnsureActive(ctx context.Context, actorID string) (*repository.Key, error) {
	k, err := m.ResolveForSigning(ctx, actorID)
	if err == nil || !errors.Is(err, ErrNoActiveKey) {
		return k, err
	}
	lock := m.lockFor(actorID)
	lock.Lock()
	defer lock.Unlock()
	// Otro llamador pudo generar mientras esperábamos el lock.
	if ring, err := m.reload(ctx, actorID, m.now()); err != nil {
		return nil, err
	} else if ring.active != nil {
		return ring.active.Clone(), nil
	}
	return m.generateLocked(ctx, actorID, "bootstrap", nil)
}

// Rotate rota si la clave Active alcanzó el intervalo de rotación. Es
// idempotente: llamarlo de nuevo antes del intervalo no hace nada.
// Devuelve la clave Active resultante y si hubo rotación.
func (m *Manager) Rotate(ctx context.Context, actorID string) (*repository.Key, bool, error) {
	return m.rotate(ctx, actorID, false)
}

// ForceRotate rota sin mirar la edad de la clave Active.
func (m *Manager) ForceRotate(ctx context.Context, actorID string) (*repository.Key, error) {
	k, _, err := m.rotate(ctx, actorID, true)
	return k, err
}

func (m *Manager) rotate(ctx context.Context, actorID string, force bool) (*repository.Key, bool, error) {
	lock := m.lockFor(actorID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	ring, err := m.reload(ctx, actorID, now)
	if err != nil {
		return nil, false, err
	}
	if ring.active != nil && !force && now.Sub(ring.active.CreatedAt) < m.cfg.RotationInterval {
		return ring.active.Clone(), false, nil
	}
	reason := "scheduled"
	if force {
		reason = "forced"
	} else if ring.active == nil {
		reason = "bootstrap"
	}
	k, err := m.generateLocked(ctx, actorID, reason, nil)
	if err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// generateLocked requiere el lock del actor. extra se persiste en el mismo
// Put que la clave nueva.
func (m *Manager) generateLocked(ctx context.Context, actorID, reason string, extra []*repository.Key) (*repository.Key, error) {
	if actorID == "" {
		return nil, kmErr("generate", actorID, repository.ErrInvalidInput)
	}
	priv, err := m.gen(m.cfg.KeySize)
	if err != nil {
		return nil, kmErr("generate", actorID, fmt.Errorf("%w: %v", ErrKeyGeneration, err))
	}
	prev, err := m.store.ListActive(ctx, actorID)
	if err != nil {
		return nil, kmErr("generate", actorID, err)
	}

	now := m.now()
	next := &repository.Key{
		ID:         m.keyID(actorID, now),
		ActorID:    actorID,
		Algorithm:  m.cfg.Algorithm,
		PrivateKey: priv,
		PublicKey:  priv.Public(),
		State:      repository.KeyActive,
		CreatedAt:  now,
		NotAfter:   now.Add(m.cfg.RotationInterval),
	}

	batch := make([]*repository.Key, 0, len(prev)+len(extra)+1)
	batch = append(batch, extra...)
	for _, p := range prev {
		if containsKey(extra, p.ID) {
			continue
		}
		rotated := now
		p.State = repository.KeyOverlapping
		p.RotatedAt = &rotated
		batch = append(batch, p)
	}
	batch = append(batch, next)

	if err := m.store.Put(ctx, batch...); err != nil {
		return nil, kmErr("generate", actorID, err)
	}
	m.publish(actorID, next, now)
	metrics.KeyRotations.WithLabelValues(reason).Inc()

	fields := []zap.Field{logger.ActorID(actorID), logger.KeyID(next.ID), logger.Reason(reason)}
	if len(prev) > 0 {
		fields = append(fields, logger.String("previous_key_id", prev[0].ID))
	}
	m.log.Info("signing key generated", fields...)
	audit.Log(ctx, audit.KeyGenerated, fields...)
	return next.Clone(), nil
}

func containsKey(ks []*repository.Key, id string) bool {
	for _, k := range ks {
		if k.ID == id {
			return true
		}
	}
	return false
}

// SweepExpired archiva las claves Overlapping cuya ventana de overlap ya
// pasó. Corre en el Scheduler, nunca en el camino de un request. Sigue con
// el resto de claves si una falla y devuelve los errores unidos.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	overlapping, err := m.store.ListByState(ctx, repository.KeyOverlapping)
	if err != nil {
		return 0, &KeyManagementError{Op: "sweep", Err: err}
	}
	now := m.now()
	var (
		n    int
		errs []error
	)
	for _, k := range overlapping {
		if !overlapElapsed(k, now, m.cfg.Overlap) {
			continue
		}
		archived, err := m.archive(ctx, k.ActorID, k.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if archived {
			n++
		}
	}
	if n > 0 {
		metrics.KeysArchived.Add(float64(n))
		m.log.Info("overlapping keys archived", logger.Count(n))
		audit.Log(ctx, audit.KeysArchived, logger.Count(n))
	}
	return n, errors.Join(errs...)
}

func overlapElapsed(k *repository.Key, now time.Time, overlap time.Duration) bool {
	if k.RotatedAt == nil {
		// Sin timestamp de rotación: contar desde el deadline original.
		return !now.Before(k.NotAfter.Add(overlap))
	}
	return !now.Before(k.RotatedAt.Add(overlap))
}

func (m *Manager) archive(ctx context.Context, actorID, keyID string, now time.Time) (bool, error) {
	lock := m.lockFor(actorID)
	lock.Lock()
	defer lock.Unlock()

	// Releer bajo lock: otra operación pudo cambiar el estado.
	k, err := m.store.Get(ctx, keyID)
	if err != nil {
		return false, &KeyManagementError{Op: "archive", ActorID: actorID, KeyID: keyID, Err: err}
	}
	if k.State != repository.KeyOverlapping {
		return false, nil
	}
	k.State = repository.KeyArchived
	k.ArchivedAt = &now
	if err := m.store.Put(ctx, k); err != nil {
		return false, &KeyManagementError{Op: "archive", ActorID: actorID, KeyID: keyID, Err: err}
	}
	m.log.Debug("key archived", logger.ActorID(actorID), logger.KeyID(keyID))
	return true, nil
}

// RotateDue rota todas las claves Active que alcanzaron el intervalo.
func (m *Manager) RotateDue(ctx context.Context) (int, error) {
	active, err := m.store.ListByState(ctx, repository.KeyActive)
	if err != nil {
		return 0, &KeyManagementError{Op: "rotate_due", Err: err}
	}
	now := m.now()
	var (
		n    int
		errs []error
	)
	for _, k := range active {
		if now.Sub(k.CreatedAt) < m.cfg.RotationInterval {
			continue
		}
		_, rotated, err := m.Rotate(ctx, k.ActorID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rotated {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Revoke retira una clave fuera de ciclo. La clave queda Archived con motivo;
// si era la Active se genera su reemplazo en la misma escritura. Una clave
// revocada como compromised deja de verificar.
func (m *Manager) Revoke(ctx context.Context, keyID string, reason repository.RevocationReason) error {
	k, err := m.store.Get(ctx, keyID)
	if err != nil {
		if repository.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
		return &KeyManagementError{Op: "revoke", KeyID: keyID, Err: err}
	}
	switch reason {
	case repository.RevokedCompromised, repository.RevokedSuperseded, repository.RevokedRetired:
	default:
		return &KeyManagementError{Op: "revoke", KeyID: keyID, Err: fmt.Errorf("%w: reason %q", repository.ErrInvalidInput, reason)}
	}

	lock := m.lockFor(k.ActorID)
	lock.Lock()
	defer lock.Unlock()

	if k, err = m.store.Get(ctx, keyID); err != nil {
		return &KeyManagementError{Op: "revoke", KeyID: keyID, Err: err}
	}
	now := m.now()
	wasActive := k.State == repository.KeyActive
	k.State = repository.KeyArchived
	k.RevokedAt = &now
	k.RevocationReason = reason
	if k.ArchivedAt == nil {
		k.ArchivedAt = &now
	}
	if k.RotatedAt == nil && wasActive {
		k.RotatedAt = &now
	}

	if wasActive {
		if _, err := m.generateLocked(ctx, k.ActorID, "revoked", []*repository.Key{k}); err != nil {
			return err
		}
	} else if err := m.store.Put(ctx, k); err != nil {
		return &KeyManagementError{Op: "revoke", KeyID: keyID, Err: err}
	}

	fields := []zap.Field{logger.ActorID(k.ActorID), logger.KeyID(k.ID), logger.Reason(string(reason))}
	m.log.Warn("signing key revoked", fields...)
	audit.Log(ctx, audit.KeyRevoked, fields...)
	return nil
}
