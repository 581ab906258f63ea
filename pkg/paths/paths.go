// Package paths centralizes the persisted-state directory layout of
// spec.md §6 so every component derives the same paths from one place.
package paths

import "path/filepath"

// Layout resolves on-disk locations under a configured data directory.
type Layout struct {
	base string
}

// New returns a Layout rooted at dataDir.
func New(dataDir string) Layout {
	return Layout{base: dataDir}
}

// CatalogFile is the single-file catalog database path.
func (l Layout) CatalogFile() string {
	return filepath.Join(l.base, "catalog.db")
}

// ScriptSource is the materialized source tree for a script-kind Application.
func (l Layout) ScriptSource(appID string) string {
	return filepath.Join(l.base, "applications", "script", appID)
}

// BinaryPayload is the binary payload directory for a binary-kind Application.
func (l Layout) BinaryPayload(appID string) string {
	return filepath.Join(l.base, "applications", "binary", appID)
}

// Dependencies is the installed-library directory mounted read-only into
// an Application's container.
func (l Layout) Dependencies(appID string) string {
	return filepath.Join(l.base, "applications", "dependencies", appID)
}
