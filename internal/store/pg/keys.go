package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/jackc/pgx/v5"
)

const keyColumns = `id, actor_id, algorithm, public_key_pem, private_key_enc, state,
	created_at, not_after, rotated_at, archived_at, revoked_at, revocation_reason`

// KeyStore persiste claves en signing_keys. La clave privada se guarda
// sellada con secretbox (subclave "hellofed/keystore/pg", AAD = id).
type KeyStore struct {
	s   *Store
	box *secretbox.Box
}

var _ repository.KeyStore = (*KeyStore)(nil)

func NewKeyStore(s *Store, master *secretbox.Box) (*KeyStore, error) {
	if master == nil {
		return nil, fmt.Errorf("pg keystore: master secretbox required")
	}
	box, err := master.Derive("hellofed/keystore/pg")
	if err != nil {
		return nil, err
	}
	return &KeyStore{s: s, box: box}, nil
}

// Put hace upsert de todas las claves en una transacción. El orden importa:
// la clave que deja de ser active debe ir antes que la nueva active por el
// índice único parcial signing_keys_one_active.
func (k *KeyStore) Put(ctx context.Context, keys ...*repository.Key) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := k.s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
		INSERT INTO signing_keys (` + keyColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			rotated_at = EXCLUDED.rotated_at,
			archived_at = EXCLUDED.archived_at,
			revoked_at = EXCLUDED.revoked_at,
			revocation_reason = EXCLUDED.revocation_reason,
			private_key_enc = COALESCE(EXCLUDED.private_key_enc, signing_keys.private_key_enc)`

	for _, key := range keys {
		if key == nil || key.ID == "" || key.ActorID == "" {
			return repository.ErrInvalidInput
		}
		pubPEM, err := keypem.EncodePublic(key.PublicKey)
		if err != nil {
			return err
		}
		var privEnc *string
		if key.PrivateKey != nil {
			privPEM, err := keypem.EncodePrivate(key.PrivateKey)
			if err != nil {
				return err
			}
			sealed, err := k.box.Seal(privPEM, []byte(key.ID))
			if err != nil {
				return fmt.Errorf("seal private key: %w", err)
			}
			privEnc = &sealed
		}
		var reason *string
		if key.RevocationReason != "" {
			r := string(key.RevocationReason)
			reason = &r
		}
		if _, err := tx.Exec(ctx, q,
			key.ID, key.ActorID, string(key.Algorithm), pubPEM, privEnc, string(key.State),
			key.CreatedAt, key.NotAfter, key.RotatedAt, key.ArchivedAt, key.RevokedAt, reason,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", repository.ErrConflict, err)
			}
			return fmt.Errorf("upsert signing key %s: %w", key.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (k *KeyStore) Get(ctx context.Context, keyID string) (*repository.Key, error) {
	row := k.s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE id = $1`, keyID)
	key, err := k.scan(row)
	if isNoRows(err) {
		return nil, repository.ErrNotFound
	}
	return key, err
}

func (k *KeyStore) ListByActor(ctx context.Context, actorID string) ([]*repository.Key, error) {
	return k.query(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE actor_id = $1 ORDER BY created_at DESC, id`, actorID)
}

func (k *KeyStore) ListActive(ctx context.Context, actorID string) ([]*repository.Key, error) {
	return k.query(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE actor_id = $1 AND state = 'active' ORDER BY created_at DESC`, actorID)
}

func (k *KeyStore) ListByState(ctx context.Context, state repository.KeyState) ([]*repository.Key, error) {
	return k.query(ctx, `SELECT `+keyColumns+` FROM signing_keys WHERE state = $1 ORDER BY created_at DESC`, string(state))
}

func (k *KeyStore) query(ctx context.Context, q string, args ...any) ([]*repository.Key, error) {
	rows, err := k.s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*repository.Key
	for rows.Next() {
		key, err := k.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (k *KeyStore) scan(row pgx.Row) (*repository.Key, error) {
	var (
		key                repository.Key
		alg, state, pubPEM string
		privEnc, reason    *string
		rotated, archived  *time.Time
		revoked            *time.Time
	)
	if err := row.Scan(&key.ID, &key.ActorID, &alg, &pubPEM, &privEnc, &state,
		&key.CreatedAt, &key.NotAfter, &rotated, &archived, &revoked, &reason); err != nil {
		return nil, err
	}
	key.Algorithm = repository.Algorithm(alg)
	key.State = repository.KeyState(state)
	key.RotatedAt, key.ArchivedAt, key.RevokedAt = rotated, archived, revoked
	if reason != nil {
		key.RevocationReason = repository.RevocationReason(*reason)
	}
	pub, err := keypem.DecodePublic(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key.ID, err)
	}
	key.PublicKey = pub
	if privEnc != nil {
		privPEM, err := k.box.Open(*privEnc, []byte(key.ID))
		if err != nil {
			return nil, fmt.Errorf("open private key %s: %w", key.ID, err)
		}
		if key.PrivateKey, err = keypem.DecodePrivate(privPEM); err != nil {
			return nil, fmt.Errorf("key %s: %w", key.ID, err)
		}
	}
	return &key, nil
}
