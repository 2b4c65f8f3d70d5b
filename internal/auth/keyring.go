package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// Keyring holds the argon2id hashes of the configured ingest keys. The
// plaintext keys are discarded after hashing.
type Keyring struct {
	ids    []string
	hashes []string
}

// NewKeyring hashes the configured ingest keys. Key ids are positional and
// stable across restarts as long as the configured order is.
func NewKeyring(keys []string) (*Keyring, error) {
	kr := &Keyring{}
	for i, key := range keys {
		hash, err := hashKey(key)
		if err != nil {
			return nil, err
		}
		kr.ids = append(kr.ids, fmt.Sprintf("key-%d", i))
		kr.hashes = append(kr.hashes, hash)
	}
	return kr, nil
}

// Empty reports whether no ingest keys are configured.
func (k *Keyring) Empty() bool {
	return len(k.hashes) == 0
}

// Verify checks a presented ingest key against every configured hash and
// returns the matching key id. A miss still burns one hash computation so
// that response timing does not reveal whether any key was checked.
func (k *Keyring) Verify(presented string) (string, bool) {
	for i, hash := range k.hashes {
		ok, err := verifyKey(presented, hash)
		if err == nil && ok {
			return k.ids[i], true
		}
	}
	dummyVerify()
	return "", false
}

// hashKey hashes an ingest key using Argon2id.
func hashKey(key string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// verifyKey checks an ingest key against an Argon2id hash.
func verifyKey(key, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

// dummyVerify performs an Argon2id hash with the same cost parameters as real
// verification, for failure paths where no configured hash matched.
func dummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}
