package linkstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// sealedPrefix marks a connect token at rest; values without it are legacy plaintext.
const sealedPrefix = "sealed:"

// Sealer encrypts connect tokens with AES-GCM. Wire format before base64:
// 0x01 | nonce | ciphertext.
type Sealer struct {
	gcm cipher.AEAD
}

func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, errors.New("encryption key required")
	}
	h := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

func (s *Sealer) Seal(plain string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := s.gcm.Seal(nil, nonce, []byte(plain), nil)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = 0x01
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed token: %w", err)
	}
	ns := s.gcm.NonceSize()
	if len(b) < 1+ns || b[0] != 0x01 {
		return "", errors.New("unsupported sealed token version")
	}
	plain, err := s.gcm.Open(nil, b[1:1+ns], b[1+ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed token: %w", err)
	}
	return string(plain), nil
}

type sealedStore struct {
	inner  Store
	sealer *Sealer
}

// Sealed wraps a store so connect tokens are encrypted at rest and plaintext
// only in memory.
func Sealed(inner Store, sealer *Sealer) Store {
	return &sealedStore{inner: inner, sealer: sealer}
}

func (s *sealedStore) open(rec Record, err error) (Record, error) {
	if err != nil {
		return rec, err
	}
	tok, err := s.sealer.Open(rec.ConnectToken)
	if err != nil {
		return Record{}, err
	}
	rec.ConnectToken = tok
	return rec, nil
}

func (s *sealedStore) Get(ctx context.Context, handle string) (Record, error) {
	return s.open(s.inner.Get(ctx, handle))
}

func (s *sealedStore) GetByUser(ctx context.Context, userID string) (Record, error) {
	return s.open(s.inner.GetByUser(ctx, userID))
}

func (s *sealedStore) Upsert(ctx context.Context, u Update) (Record, bool, error) {
	plain := u.ConnectToken
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return Record{}, false, fmt.Errorf("seal connect token: %w", err)
	}
	u.ConnectToken = sealed
	rec, created, err := s.inner.Upsert(ctx, u)
	if err != nil {
		return Record{}, false, err
	}
	rec.ConnectToken = plain
	return rec, created, nil
}

func (s *sealedStore) SetValid(ctx context.Context, handle string, valid bool) error {
	return s.inner.SetValid(ctx, handle, valid)
}

func (s *sealedStore) List(ctx context.Context) ([]Record, error) {
	recs, err := s.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if recs[i], err = s.open(recs[i], nil); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *sealedStore) Close() error { return s.inner.Close() }
