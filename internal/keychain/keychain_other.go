//go:build !darwin

package keychain

import "path/filepath"

// NewSystemStore returns a FileStore at stateDir/secrets.yaml. There is no
// system keychain outside macOS.
func NewSystemStore(stateDir string) Store {
	return NewFileStore(filepath.Join(stateDir, "secrets.yaml"))
}
