// Package fs implementa repository.KeyStore sobre archivos en disco.
//
// Garantías:
//   - Un archivo por actor (keyring); toda rotación es una única escritura
//     atómica (write tmp → fsync → rename), así el keyring nunca queda a medias.
//   - Claves privadas selladas con secretbox (subclave HKDF "keystore/fs"),
//     ligadas al key id como AAD.
//   - Se relee disco en cada operación: un fedkeys rotate en otro proceso es
//     visible de inmediato.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/security/keypem"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/dropDatabas3/hellofed/internal/util/atomicwrite"
)

const (
	ringSuffix = ".keyring.json"
	sealInfo   = "hellofed/keystore/fs"
	filePerm   = 0o600
)

// KeyStore guarda keyrings por actor en dir.
type KeyStore struct {
	dir string
	box *secretbox.Box

	mu    sync.RWMutex
	index map[string]string // keyID -> actorID
}

var _ repository.KeyStore = (*KeyStore)(nil)

// keyFileData es la forma persistida de una clave.
type keyFileData struct {
	KID              string     `json:"kid"`
	Algorithm        string     `json:"algorithm"`
	PrivateKeyEnc    string     `json:"private_key_enc,omitempty"`
	PublicKeyPEM     string     `json:"public_key_pem"`
	State            string     `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	NotAfter         time.Time  `json:"not_after"`
	RotatedAt        *time.Time `json:"rotated_at,omitempty"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

type ringFile struct {
	ActorID string        `json:"actor_id"`
	Keys    []keyFileData `json:"keys"`
}

// NewKeyStore abre (o crea) dir. master sella las claves privadas.
func NewKeyStore(dir string, master *secretbox.Box) (*KeyStore, error) {
	if master == nil {
		return nil, errors.New("fs keystore: master secretbox required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	box, err := master.Derive(sealInfo)
	if err != nil {
		return nil, err
	}
	s := &KeyStore{dir: filepath.Clean(dir), box: box, index: make(map[string]string)}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// pathFor: nombre estable y seguro para cualquier actor URI.
func (s *KeyStore) pathFor(actorID string) string {
	sum := sha256.Sum256([]byte(actorID))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:12])+ringSuffix)
}

func (s *KeyStore) Put(ctx context.Context, keys ...*repository.Key) error {
	if len(keys) == 0 {
		return nil
	}
	actorID := keys[0].ActorID
	for _, k := range keys {
		if k == nil || k.ID == "" || k.ActorID == "" {
			return repository.ErrInvalidInput
		}
		// Un Put es un único rename: no puede abarcar dos archivos.
		if k.ActorID != actorID {
			return fmt.Errorf("%w: batch spans several actors", repository.ErrInvalidInput)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ring, err := s.readRing(actorID)
	if err != nil {
		return err
	}
	byID := make(map[string]int, len(ring.Keys))
	for i, kd := range ring.Keys {
		byID[kd.KID] = i
	}
	for _, k := range keys {
		kd, err := s.encode(k)
		if err != nil {
			return err
		}
		if i, ok := byID[k.ID]; ok {
			ring.Keys[i] = kd
		} else {
			byID[k.ID] = len(ring.Keys)
			ring.Keys = append(ring.Keys, kd)
		}
	}
	if err := atomicwrite.WriteJSON(s.pathFor(actorID), ring, filePerm); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	for _, k := range keys {
		s.index[k.ID] = actorID
	}
	return nil
}

func (s *KeyStore) Get(ctx context.Context, keyID string) (*repository.Key, error) {
	s.mu.RLock()
	actorID, ok := s.index[keyID]
	s.mu.RUnlock()
	if !ok {
		// Otro proceso pudo escribir la clave.
		s.mu.Lock()
		err := s.rebuildIndex()
		actorID, ok = s.index[keyID]
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, repository.ErrNotFound
		}
	}
	keys, err := s.load(actorID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return k, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *KeyStore) ListByActor(ctx context.Context, actorID string) ([]*repository.Key, error) {
	return s.load(actorID)
}

func (s *KeyStore) ListActive(ctx context.Context, actorID string) ([]*repository.Key, error) {
	all, err := s.load(actorID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, k := range all {
		if k.State == repository.KeyActive {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *KeyStore) ListByState(ctx context.Context, state repository.KeyState) ([]*repository.Key, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+ringSuffix))
	if err != nil {
		return nil, err
	}
	var out []*repository.Key
	for _, p := range paths {
		s.mu.RLock()
		ring, err := readRingFile(p)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		for _, kd := range ring.Keys {
			if repository.KeyState(kd.State) != state {
				continue
			}
			k, err := s.decode(ring.ActorID, kd)
			if err != nil {
				return nil, err
			}
			out = append(out, k)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ─── internals ───

func (s *KeyStore) load(actorID string) ([]*repository.Key, error) {
	s.mu.RLock()
	ring, err := s.readRing(actorID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	out := make([]*repository.Key, 0, len(ring.Keys))
	for _, kd := range ring.Keys {
		k, err := s.decode(actorID, kd)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *KeyStore) readRing(actorID string) (*ringFile, error) {
	ring, err := readRingFile(s.pathFor(actorID))
	if errors.Is(err, iofs.ErrNotExist) {
		return &ringFile{ActorID: actorID}, nil
	}
	return ring, err
}

func readRingFile(path string) (*ringFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ring ringFile
	if err := json.Unmarshal(b, &ring); err != nil {
		return nil, fmt.Errorf("unmarshal keyring %s: %w", filepath.Base(path), err)
	}
	return &ring, nil
}

// rebuildIndex requiere s.mu tomado en escritura (o uso exclusivo).
func (s *KeyStore) rebuildIndex() error {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+ringSuffix))
	if err != nil {
		return err
	}
	for _, p := range paths {
		ring, err := readRingFile(p)
		if err != nil {
			return err
		}
		for _, kd := range ring.Keys {
			s.index[kd.KID] = ring.ActorID
		}
	}
	return nil
}

func (s *KeyStore) encode(k *repository.Key) (keyFileData, error) {
	pubPEM, err := keypem.EncodePublic(k.PublicKey)
	if err != nil {
		return keyFileData{}, err
	}
	kd := keyFileData{
		KID:              k.ID,
		Algorithm:        string(k.Algorithm),
		PublicKeyPEM:     pubPEM,
		State:            string(k.State),
		CreatedAt:        k.CreatedAt.UTC(),
		NotAfter:         k.NotAfter.UTC(),
		RotatedAt:        k.RotatedAt,
		ArchivedAt:       k.ArchivedAt,
		RevokedAt:        k.RevokedAt,
		RevocationReason: string(k.RevocationReason),
	}
	if k.PrivateKey != nil {
		privPEM, err := keypem.EncodePrivate(k.PrivateKey)
		if err != nil {
			return keyFileData{}, err
		}
		if kd.PrivateKeyEnc, err = s.box.Seal(privPEM, []byte(k.ID)); err != nil {
			return keyFileData{}, fmt.Errorf("seal private key: %w", err)
		}
	}
	return kd, nil
}

func (s *KeyStore) decode(actorID string, kd keyFileData) (*repository.Key, error) {
	pub, err := keypem.DecodePublic(kd.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", kd.KID, err)
	}
	k := &repository.Key{
		ID:               kd.KID,
		ActorID:          actorID,
		Algorithm:        repository.Algorithm(kd.Algorithm),
		PublicKey:        pub,
		State:            repository.KeyState(kd.State),
		CreatedAt:        kd.CreatedAt,
		NotAfter:         kd.NotAfter,
		RotatedAt:        kd.RotatedAt,
		ArchivedAt:       kd.ArchivedAt,
		RevokedAt:        kd.RevokedAt,
		RevocationReason: repository.RevocationReason(kd.RevocationReason),
	}
	if kd.PrivateKeyEnc != "" {
		privPEM, err := s.box.Open(kd.PrivateKeyEnc, []byte(kd.KID))
		if err != nil {
			return nil, fmt.Errorf("open private key %s: %w", kd.KID, err)
		}
		if k.PrivateKey, err = keypem.DecodePrivate(privPEM); err != nil {
			return nil, fmt.Errorf("key %s: %w", kd.KID, err)
		}
	}
	return k, nil
}

func sortNewestFirst(ks []*repository.Key) {
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].CreatedAt.Equal(ks[j].CreatedAt) {
			return strings.Compare(ks[i].ID, ks[j].ID) < 0
		}
		return ks[i].CreatedAt.After(ks[j].CreatedAt)
	})
}
