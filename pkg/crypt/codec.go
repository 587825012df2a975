package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/sidkik/snfs/pkg/errors"
)

// itemKeyLen is the length of the random per-item key: a 32-byte encryption
// half and a 32-byte authentication half.
const itemKeyLen = 64

// Payload is an item's encrypted wire representation. Content carries the
// item body encrypted under a random per-item key; EncItemKey carries that
// item key encrypted under the account keys. Both are versioned encrypted
// strings of the form `version:auth_hash:uuid:iv:ciphertext`.
type Payload struct {
	Content    string
	EncItemKey string
}

// EncryptItem encrypts plaintext into a Payload for the item with the given
// uuid. A fresh random IV and item key are drawn on every call, so identical
// plaintexts never produce identical ciphertexts.
func EncryptItem(uuid string, plaintext []byte, keys KeySet) (Payload, error) {
	version := keys.Version
	if version == "" {
		version = Version003
	}

	itemKey := make([]byte, itemKeyLen)
	if _, err := io.ReadFull(rand.Reader, itemKey); err != nil {
		return Payload{}, errors.WithContext(err, "generate item key")
	}
	itemKeyHex := hex.EncodeToString(itemKey)
	itemEncKey := itemKeyHex[:len(itemKeyHex)/2]
	itemAuthKey := itemKeyHex[len(itemKeyHex)/2:]

	content, err := encryptString(version, uuid, plaintext, itemEncKey, itemAuthKey)
	if err != nil {
		return Payload{}, errors.WithContext(err, "encrypt content")
	}

	encItemKey, err := encryptString(
		version, uuid, []byte(itemKeyHex), keys.MasterKey, keys.AuthKey)
	if err != nil {
		return Payload{}, errors.WithContext(err, "encrypt item key")
	}

	return Payload{Content: content, EncItemKey: encItemKey}, nil
}

// DecryptItem reverses EncryptItem. It dispatches on the payload's own
// version marker, so items encrypted before a key rotation stay readable.
// It returns errors.IntegrityError if any authentication tag doesn't match,
// and errors.UnsupportedVersion for version markers this client doesn't
// understand.
func DecryptItem(uuid string, payload Payload, keys KeySet) ([]byte, error) {
	itemKeyHex, err := decryptString(uuid, payload.EncItemKey, keys.MasterKey, keys.AuthKey)
	if err != nil {
		return nil, err
	}

	if len(itemKeyHex) != itemKeyLen*2 {
		return nil, errors.IntegrityError{ItemID: uuid}
	}
	itemEncKey := string(itemKeyHex[:len(itemKeyHex)/2])
	itemAuthKey := string(itemKeyHex[len(itemKeyHex)/2:])

	return decryptString(uuid, payload.Content, itemEncKey, itemAuthKey)
}

// encryptString produces a `version:auth_hash:uuid:iv:ciphertext` string.
// The authentication tag covers the version, uuid, IV, and ciphertext, so
// tampering with any of them is detected at decryption.
func encryptString(version, uuid string, plaintext []byte, encKeyHex, authKeyHex string) (string, error) {
	encKey, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return "", errors.WithContext(err, "decode encryption key")
	}
	authKey, err := hex.DecodeString(authKeyHex)
	if err != nil {
		return "", errors.WithContext(err, "decode auth key")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.WithContext(err, "generate iv")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return "", errors.WithContext(err, "create cipher")
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	ivHex := hex.EncodeToString(iv)
	ciphertextB64 := base64.StdEncoding.EncodeToString(ciphertext)
	authHash := mac(authKey, strings.Join(
		[]string{version, uuid, ivHex, ciphertextB64}, ":"))

	return strings.Join(
		[]string{version, authHash, uuid, ivHex, ciphertextB64}, ":"), nil
}

func decryptString(uuid, payload string, encKeyHex, authKeyHex string) ([]byte, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 5 {
		return nil, errors.IntegrityError{ItemID: uuid}
	}
	version, authHash, payloadUUID, ivHex, ciphertextB64 :=
		parts[0], parts[1], parts[2], parts[3], parts[4]

	switch version {
	case Version002, Version003:
	default:
		return nil, errors.UnsupportedVersion{ItemID: uuid, Version: version}
	}

	// The uuid is covered by the tag, so a mismatch means the payload was
	// swapped onto another item.
	if payloadUUID != uuid {
		return nil, errors.IntegrityError{ItemID: uuid}
	}

	authKey, err := hex.DecodeString(authKeyHex)
	if err != nil {
		return nil, errors.WithContext(err, "decode auth key")
	}

	expHash := mac(authKey, strings.Join(
		[]string{version, uuid, ivHex, ciphertextB64}, ":"))
	if !hmac.Equal([]byte(expHash), []byte(authHash)) {
		return nil, errors.IntegrityError{ItemID: uuid}
	}

	encKey, err := hex.DecodeString(encKeyHex)
	if err != nil {
		return nil, errors.WithContext(err, "decode encryption key")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, errors.IntegrityError{ItemID: uuid}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.IntegrityError{ItemID: uuid}
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.WithContext(err, "create cipher")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, ok := unpad(plaintext, aes.BlockSize)
	if !ok {
		return nil, errors.IntegrityError{ItemID: uuid}
	}
	return unpadded, nil
}

func mac(key []byte, message string) string {
	tag := hmac.New(sha256.New, key)
	tag.Write([]byte(message))
	return hex.EncodeToString(tag.Sum(nil))
}

// pad applies PKCS#7 padding. The wire format requires it byte for byte, so
// it's implemented here rather than pulled in.
func pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, false
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, false
		}
	}
	return data[:len(data)-padLen], true
}
