package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// HashParams are the Argon2id cost parameters of a token hash.
type HashParams struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultHashParams are used for every new hash.
var DefaultHashParams = HashParams{Memory: 64 * 1024, Time: 3, Threads: 2, KeyLen: 32}

const (
	saltLen = 16

	// limits for hashes read from the config file
	maxHashMemory = 1024 * 1024
	maxHashTime   = 16
	minKeyLen     = 16
)

var b64 = base64.RawStdEncoding

// TokenHash is a parsed "$argon2id$v=19$m=..,t=..,p=..$salt$key" string
// from auth.api_tokens.
type TokenHash struct {
	Params HashParams
	Salt   []byte
	Key    []byte
}

// ParseTokenHash decodes and bounds-checks an encoded hash.
func ParseTokenHash(encoded string) (TokenHash, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return TokenHash{}, fmt.Errorf("not an argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return TokenHash{}, fmt.Errorf("unsupported argon2 version %q", fields[2])
	}

	var h TokenHash
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.Params.Memory, &h.Params.Time, &h.Params.Threads); err != nil {
		return TokenHash{}, fmt.Errorf("bad parameters %q: %w", fields[3], err)
	}
	switch {
	case h.Params.Memory == 0 || h.Params.Memory > maxHashMemory:
		return TokenHash{}, fmt.Errorf("memory %d KiB outside 1..%d", h.Params.Memory, maxHashMemory)
	case h.Params.Time == 0 || h.Params.Time > maxHashTime:
		return TokenHash{}, fmt.Errorf("time %d outside 1..%d", h.Params.Time, maxHashTime)
	case h.Params.Threads == 0:
		return TokenHash{}, fmt.Errorf("parallelism must be positive")
	}

	var err error
	if h.Salt, err = b64.DecodeString(fields[4]); err != nil {
		return TokenHash{}, fmt.Errorf("bad salt: %w", err)
	}
	if h.Key, err = b64.DecodeString(fields[5]); err != nil {
		return TokenHash{}, fmt.Errorf("bad key: %w", err)
	}
	if len(h.Key) < minKeyLen {
		return TokenHash{}, fmt.Errorf("key of %d bytes is too short", len(h.Key))
	}
	h.Params.KeyLen = uint32(len(h.Key))
	return h, nil
}

func (h TokenHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Params.Memory, h.Params.Time, h.Params.Threads,
		b64.EncodeToString(h.Salt), b64.EncodeToString(h.Key))
}

// Matches reports whether token hashes to h.
func (h TokenHash) Matches(token string) bool {
	key := argon2.IDKey([]byte(token), h.Salt, h.Params.Time, h.Params.Memory, h.Params.Threads, h.Params.KeyLen)
	return subtle.ConstantTimeCompare(key, h.Key) == 1
}

// TokenHasher creates hashes for new API tokens.
type TokenHasher struct {
	params HashParams
}

func NewTokenHasher() *TokenHasher {
	return &TokenHasher{params: DefaultHashParams}
}

func (th *TokenHasher) Hash(token string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	h := TokenHash{
		Params: th.params,
		Salt:   salt,
		Key:    argon2.IDKey([]byte(token), salt, th.params.Time, th.params.Memory, th.params.Threads, th.params.KeyLen),
	}
	return h.String(), nil
}

// Verify checks token against an encoded hash.
func (th *TokenHasher) Verify(token, encoded string) (bool, error) {
	h, err := ParseTokenHash(encoded)
	if err != nil {
		return false, err
	}
	return h.Matches(token), nil
}
