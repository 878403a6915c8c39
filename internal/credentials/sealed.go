package credentials

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sealedRefPrefix = "sealed/"
	nonceSize       = 24
)

// SealedStore keeps kubeconfigs encrypted with NaCl secretbox in the
// gateway database. It is used when the gateway is not running inside a
// cluster it can write Secrets to. References have the form "sealed/<name>".
type SealedStore struct {
	db  *sqlx.DB
	key *[32]byte
	now func() time.Time
}

// NewSealedStore creates a store over the sealed_credentials table.
func NewSealedStore(db *sqlx.DB, key *[32]byte) *SealedStore {
	return &SealedStore{db: db, key: key, now: time.Now}
}

// ParseSealKey decodes a base64 32-byte key.
func ParseSealKey(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	clear(raw)
	return &key, nil
}

// Put seals blob and upserts it under name.
func (s *SealedStore) Put(ctx context.Context, name string, blob []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], blob, &nonce, s.key)

	query := s.db.Rebind(`INSERT INTO sealed_credentials (name, sealed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, name, base64.StdEncoding.EncodeToString(box), s.now().UTC()); err != nil {
		return "", fmt.Errorf("store sealed credential %s: %w", name, err)
	}
	return sealedRefPrefix + name, nil
}

// Get opens the sealed blob behind ref.
func (s *SealedStore) Get(ctx context.Context, ref string) ([]byte, error) {
	name, err := sealedName(ref)
	if err != nil {
		return nil, err
	}
	var encoded string
	err = s.db.GetContext(ctx, &encoded, s.db.Rebind(`SELECT sealed FROM sealed_credentials WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no credential %s", ErrCredentialUnavailable, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrCredentialUnavailable, ref, err)
	}

	box, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(box) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: corrupt credential %s", ErrCredentialUnavailable, ref)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	blob, ok := secretbox.Open(nil, box[nonceSize:], &nonce, s.key)
	if !ok {
		return nil, fmt.Errorf("%w: cannot open credential %s", ErrCredentialUnavailable, ref)
	}
	return blob, nil
}

// Delete removes the sealed credential. A missing entry reports false.
func (s *SealedStore) Delete(ctx context.Context, ref string) (bool, error) {
	name, err := sealedName(ref)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sealed_credentials WHERE name = ?`), name)
	if err != nil {
		return false, fmt.Errorf("delete sealed credential %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete sealed credential %s: %w", ref, err)
	}
	return n > 0, nil
}

func sealedName(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, sealedRefPrefix)
	if !ok || name == "" {
		return "", fmt.Errorf("%w: malformed reference %q", ErrCredentialUnavailable, ref)
	}
	return name, nil
}
