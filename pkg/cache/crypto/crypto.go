package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

// CurrentKeyVersion is stamped on every newly sealed record.
const CurrentKeyVersion = 1

const (
	keyLen   = 32
	nonceLen = 12
)

// Sealed holds one encrypted payload: a random nonce and the AES-GCM
// ciphertext (authentication tag included).
type Sealed struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vault generates and holds symmetric keys, one per key version. Keys are
// created lazily and live only in process memory: they are never exported or
// persisted, so ciphertext from a previous process is unrecoverable after a
// restart and gets treated as a cache miss.
type Vault struct {
	mu   sync.Mutex
	keys map[int]cipher.AEAD
}

// NewVault constructs an empty vault.
func NewVault() *Vault {
	return &Vault{keys: make(map[int]cipher.AEAD)}
}

// Encrypt seals plain under the key for keyVersion, generating the key on
// first use. Every call uses a fresh random 96-bit nonce.
func (v *Vault) Encrypt(plain []byte, keyVersion int) (Sealed, error) {
	aead, err := v.aeadFor(keyVersion)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("cache crypto: generate nonce: %w", err)
	}

	return Sealed{
		IV:         nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, nil),
	}, nil
}

// Open decrypts a sealed record. It returns nil on any failure: unknown key
// version, truncated nonce, corrupted ciphertext, or tag mismatch. Callers
// must treat nil as "asset unusable, delete and re-fetch".
func (v *Vault) Open(s Sealed, keyVersion int) []byte {
	v.mu.Lock()
	aead, ok := v.keys[keyVersion]
	v.mu.Unlock()
	if !ok {
		return nil
	}
	if len(s.IV) != nonceLen {
		return nil
	}

	plain, err := aead.Open(nil, s.IV, s.Ciphertext, nil)
	if err != nil {
		return nil
	}
	return plain
}

// SelfTest seals and reopens a known value. A failure means the cipher stack
// is unusable and the engine must not start.
func (v *Vault) SelfTest() error {
	probe := []byte("deckcache crypto self test")

	sealed, err := v.Encrypt(probe, CurrentKeyVersion)
	if err != nil {
		return fmt.Errorf("cache crypto: self test encrypt: %w", err)
	}
	if got := v.Open(sealed, CurrentKeyVersion); !bytes.Equal(got, probe) {
		return errors.New("cache crypto: self test roundtrip mismatch")
	}
	return nil
}

// Forget drops all keys, orphaning any ciphertext sealed so far.
func (v *Vault) Forget() {
	v.mu.Lock()
	v.keys = make(map[int]cipher.AEAD)
	v.mu.Unlock()
}

func (v *Vault) aeadFor(keyVersion int) (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if aead, ok := v.keys[keyVersion]; ok {
		return aead, nil
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cache crypto: generate key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cache crypto: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cache crypto: init gcm: %w", err)
	}

	v.keys[keyVersion] = aead
	return aead, nil
}
