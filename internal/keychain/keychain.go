// Package keychain stores the secrets jobs use to answer prompts and load
// SSH keys.
//
// On macOS secrets are generic passwords in the login Keychain with:
//   - Service: "com.warden" (all warden secrets share this service)
//   - Account: the secret key (e.g. "nightly/passphrase")
//   - Label: "warden: <key>" (for Keychain Access.app visibility)
//
// and are never synced to iCloud or readable while the machine is locked.
// Elsewhere they live in a mode 0600 file under the warden state directory.
package keychain

import "errors"

// ErrNotFound is returned when a secret does not exist in the store.
var ErrNotFound = errors.New("secret not found")

// Store is the interface for secret storage operations.
type Store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	List() ([]string, error)
	Delete(key string) error
}
