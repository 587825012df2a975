package config

import (
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/snfs/pkg/crypt"
	"github.com/sidkik/snfs/pkg/errors"
)

const (
	// CredentialsPath is the default path to the cached account keys.
	CredentialsPath = "~/.snfs-creds.yaml"

	// SupportedCredentialsVersion is the credentials file version supported
	// by the current snfs binary.
	SupportedCredentialsVersion = "v1alpha1"
)

// Credentials round-trips the derived KeySet through disk so that
// subsequent mounts don't have to prompt for the password. It never contains
// the password itself.
type Credentials struct {
	Version string       `json:"version,omitempty"`
	Keys    crypt.KeySet `json:"keys"`
}

func (c Credentials) getVersion() string {
	return c.Version
}

// ParseCredentials attempts to parse the cached keys stored in the default
// path. It returns errors.FileNotFound when no keys have been cached, which
// callers treat as "prompt for the password".
func ParseCredentials() (Credentials, error) {
	path, err := GetCredentialsPath()
	if err != nil {
		return Credentials{}, errors.WithContext(err, "expand credentials path")
	}

	creds := Credentials{Version: SupportedCredentialsVersion}
	if err := parseConfig(path, &creds, SupportedCredentialsVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Credentials{}, err
		}
		return Credentials{}, errors.WithContext(err, "parse")
	}
	return creds, nil
}

// WriteCredentials writes the given keys to disk. The file is created
// owner-only since the keys decrypt the whole account.
func WriteCredentials(creds Credentials) error {
	creds.Version = SupportedCredentialsVersion
	path, err := GetCredentialsPath()
	if err != nil {
		return errors.WithContext(err, "expand credentials path")
	}

	yamlBytes, err := yaml.Marshal(creds)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// RemoveCredentials deletes the cached keys. It's a no-op if no keys were
// cached.
func RemoveCredentials() error {
	path, err := GetCredentialsPath()
	if err != nil {
		return errors.WithContext(err, "expand credentials path")
	}

	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove")
	}
	return nil
}

// GetCredentialsPath returns the expanded path to the credentials file,
// suitable for passing directly to file operations.
func GetCredentialsPath() (string, error) {
	return homedirExpand(CredentialsPath)
}
