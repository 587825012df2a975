package config

import (
	"os"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/snfs/pkg/errors"
)

const (
	// OfficialServerURL is the sync server used when the settings file
	// doesn't specify one.
	OfficialServerURL = "https://sync.standardnotes.org"

	// DefaultSyncInterval is how often the background sync pass runs when
	// the settings file doesn't specify an interval.
	DefaultSyncInterval = 30 * time.Second

	// MinimumSyncInterval is the floor for the sync interval. Intervals
	// below it hammer the sync server without making the mount feel any
	// fresher, so they're raised to it.
	MinimumSyncInterval = 5 * time.Second

	// DefaultExtension is appended to note titles to form filenames when
	// the settings file doesn't specify an extension.
	DefaultExtension = ".txt"

	// SettingsPath is the default path to the snfs settings file.
	SettingsPath = "~/.snfs.yaml"

	// SupportedSettingsVersion is the settings file version supported by
	// the current snfs binary.
	SupportedSettingsVersion = "v1alpha1"
)

// Settings contains the account and mount configuration that persists
// between runs. Zero values mean "use the default".
type Settings struct {
	Version             string `json:"version,omitempty"`
	SyncURL             string `json:"sync_url,omitempty"`
	Username            string `json:"username,omitempty"`
	SyncIntervalSeconds int    `json:"sync_interval_seconds,omitempty"`
	Extension           string `json:"extension,omitempty"`
}

func (s Settings) getVersion() string {
	return s.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseSettings attempts to parse the Settings stored in the default path.
// A missing file isn't an error -- it parses as the zero Settings so that
// first runs fall through to the defaults and the login prompt.
func ParseSettings() (Settings, error) {
	path, err := GetSettingsPath()
	if err != nil {
		return Settings{}, errors.WithContext(err, "expand settings path")
	}

	settings := Settings{Version: SupportedSettingsVersion}
	if err := parseConfig(path, &settings, SupportedSettingsVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Settings{Version: SupportedSettingsVersion}, nil
		}
		return Settings{}, errors.WithContext(err, "parse")
	}
	return settings, nil
}

// WriteSettings writes the given settings to the default path.
func WriteSettings(settings Settings) error {
	settings.Version = SupportedSettingsVersion
	path, err := GetSettingsPath()
	if err != nil {
		return errors.WithContext(err, "expand settings path")
	}

	yamlBytes, err := yaml.Marshal(settings)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// RemoveSettings deletes the settings file. It's a no-op if the file
// doesn't exist.
func RemoveSettings() error {
	path, err := GetSettingsPath()
	if err != nil {
		return errors.WithContext(err, "expand settings path")
	}

	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove")
	}
	return nil
}

// GetSettingsPath returns the expanded path to the settings file, suitable
// for passing directly to file operations.
func GetSettingsPath() (string, error) {
	return homedirExpand(SettingsPath)
}

// GetSyncURL returns the configured sync server URL, falling back to the
// official server.
func (s Settings) GetSyncURL() string {
	if s.SyncURL == "" {
		return OfficialServerURL
	}
	return s.SyncURL
}

// GetSyncInterval returns the configured sync interval with the floor
// enforced. The second return value reports whether the configured value was
// raised, so callers can warn the user.
func (s Settings) GetSyncInterval() (time.Duration, bool) {
	if s.SyncIntervalSeconds == 0 {
		return DefaultSyncInterval, false
	}

	interval := time.Duration(s.SyncIntervalSeconds) * time.Second
	if interval < MinimumSyncInterval {
		return MinimumSyncInterval, true
	}
	return interval, false
}

// GetExtension returns the configured filename extension, falling back to
// the default.
func (s Settings) GetExtension() string {
	if s.Extension == "" {
		return DefaultExtension
	}
	return s.Extension
}
