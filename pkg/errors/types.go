package errors

import (
	"fmt"
)

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// AuthError represents the sync server rejecting the account credentials.
// It's fatal at startup -- the process exits before mounting.
type AuthError struct {
	Message string
}

func (err AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", err.Message)
}

// FriendlyMessage returns the user-facing diagnostic for a failed login.
func (err AuthError) FriendlyMessage() string {
	return fmt.Sprintf("Failed to log in: %s\n"+
		"Check your username and password and try again.", err.Message)
}

// NetworkError represents a transient transport failure while talking to the
// sync server. Sync passes that hit one are retried, and then skipped until
// the next tick.
type NetworkError struct {
	Err error
}

func (err NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", err.Err)
}

func (err NetworkError) Unwrap() error {
	return err.Err
}

// AuthParamsUnavailable represents a failure to complete the key derivation
// handshake with the server, so no keys could be derived.
type AuthParamsUnavailable struct {
	Err error
}

func (err AuthParamsUnavailable) Error() string {
	return fmt.Sprintf("fetch auth params: %s", err.Err)
}

func (err AuthParamsUnavailable) Unwrap() error {
	return err.Err
}

// FriendlyMessage returns the user-facing diagnostic for a failed handshake.
func (err AuthParamsUnavailable) FriendlyMessage() string {
	return fmt.Sprintf("Unable to reach the sync server to start logging in.\n"+
		"The underlying error was: %s", err.Err)
}

// IntegrityError represents an item whose authentication tag didn't match
// its ciphertext. The item is skipped, and the sync pass continues.
type IntegrityError struct {
	ItemID string
}

func (err IntegrityError) Error() string {
	return fmt.Sprintf("item %s failed integrity verification", err.ItemID)
}

// UnsupportedVersion represents an item encrypted under a protocol version
// this client doesn't understand. The item is preserved untouched so that a
// newer client can still read it.
type UnsupportedVersion struct {
	ItemID  string
	Version string
}

func (err UnsupportedVersion) Error() string {
	return fmt.Sprintf("item %s uses unsupported protocol version %q",
		err.ItemID, err.Version)
}

// NotFound represents a lookup for a note that doesn't exist.
type NotFound struct {
	Name string
}

func (err NotFound) Error() string {
	return fmt.Sprintf("no note named %q", err.Name)
}
