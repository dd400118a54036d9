// Package utils contains utility types for logging and filesystem path
// management used throughout opsdash.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves and manages filesystem locations used by opsdash.
type Paths struct {
	RootPath string `json:"root_path"`
}

// NewPaths constructs Paths rooted at the specified directory.
func NewPaths(rootPath string) *Paths {
	return &Paths{RootPath: rootPath}
}

// LogsDir returns the global logs directory.
func (p *Paths) LogsDir() string {
	return filepath.Join(p.RootPath, "logs")
}

// ConfigDir returns the application configuration directory.
func (p *Paths) ConfigDir() string {
	return filepath.Join(p.RootPath, "config")
}

// StoreDir returns the directory backing the durable key-value store.
func (p *Paths) StoreDir() string {
	return filepath.Join(p.RootPath, "store")
}

// LogFile returns the main opsdash log file path.
func (p *Paths) LogFile() string {
	return filepath.Join(p.LogsDir(), "opsdash.log")
}

// SimulatorLogFile returns the log file used by the platform simulator.
func (p *Paths) SimulatorLogFile() string {
	return filepath.Join(p.LogsDir(), "simulator.log")
}

// CheckRoot verifies that core directories exist under the root path.
func (p *Paths) CheckRoot() bool {
	dirs := []string{p.RootPath, p.LogsDir(), p.StoreDir()}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// DeployRoot creates the root directory structure (idempotent).
func (p *Paths) DeployRoot(logger *Logger) {
	mkdirLog := func(path, label string) {
		_ = os.MkdirAll(path, 0o755)
		if logger != nil {
			logger.Write(fmt.Sprintf("Creating %s path: %s", label, path))
		}
	}

	mkdirLog(p.RootPath, "root")
	mkdirLog(p.LogsDir(), "logs")
	mkdirLog(p.ConfigDir(), "config")
	mkdirLog(p.StoreDir(), "store")
}
