package crypt

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/sidkik/snfs/pkg/errors"
)

// Protocol versions this client can derive keys for and decrypt items under.
const (
	Version002 = "002"
	Version003 = "003"
)

// derivedKeyLen is the total PBKDF2 output: three 32-byte keys.
const derivedKeyLen = 96

// AuthParams is the key derivation challenge served by the sync server for
// an account. Version 002 accounts carry a server-generated salt; version
// 003 accounts carry a nonce the salt is derived from.
type AuthParams struct {
	Version string `json:"version"`
	Cost    int    `json:"pw_cost"`
	Salt    string `json:"pw_salt,omitempty"`
	Nonce   string `json:"pw_nonce,omitempty"`
}

// KeySet holds the symmetric keys derived from the account password, plus
// the parameters they were derived with. It's immutable for the life of a
// session, and round-trips through the credentials file so that cached keys
// can substitute for password re-entry.
type KeySet struct {
	Version string `json:"version"`
	Cost    int    `json:"pw_cost"`
	Salt    string `json:"pw_salt,omitempty"`
	Nonce   string `json:"pw_nonce,omitempty"`

	// ServerPassword is the only derived key that ever leaves the process.
	// It's what the server verifies at sign in -- the server never sees
	// the account password itself.
	ServerPassword string `json:"pw"`

	// MasterKey encrypts item keys. AuthKey authenticates them.
	MasterKey string `json:"mk"`
	AuthKey   string `json:"ak"`
}

// DeriveKeySet derives the account keys from the password and the server's
// derivation parameters. It's deterministic: the same inputs always produce
// the same KeySet.
func DeriveKeySet(username, password string, params AuthParams) (KeySet, error) {
	if params.Cost <= 0 {
		return KeySet{}, errors.New("invalid key derivation cost %d", params.Cost)
	}

	var salt string
	switch params.Version {
	case Version003:
		// 003 derives the salt from account identity plus the server
		// nonce, so the server never chooses the salt directly.
		input := strings.Join([]string{
			username, "SF", Version003, strconv.Itoa(params.Cost), params.Nonce,
		}, ":")
		digest := sha256.Sum256([]byte(input))
		salt = hex.EncodeToString(digest[:])
	case Version002:
		salt = params.Salt
	default:
		return KeySet{}, errors.New(
			"unsupported key derivation version %q", params.Version)
	}

	derived := pbkdf2.Key(
		[]byte(password), []byte(salt), params.Cost, derivedKeyLen, sha512.New)
	derivedHex := hex.EncodeToString(derived)

	third := len(derivedHex) / 3
	return KeySet{
		Version:        params.Version,
		Cost:           params.Cost,
		Salt:           params.Salt,
		Nonce:          params.Nonce,
		ServerPassword: derivedHex[:third],
		MasterKey:      derivedHex[third : third*2],
		AuthKey:        derivedHex[third*2:],
	}, nil
}
