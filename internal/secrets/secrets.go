// Package secrets loads credentials from files and keeps them sealed in
// memguard enclaves until a caller needs the plaintext.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a named secret does not exist
var ErrNotFound = errors.New("secret not found")

// Source resolves named secrets
type Source interface {
	// Use opens the named secret and passes its value to fn. An empty name
	// means no secret is configured and fn receives "".
	Use(name string, fn func(value string) error) error
}

// FileSource reads each secret from a file named after it under dir
type FileSource struct {
	dir      string
	logger   *zap.Logger
	mu       sync.Mutex
	enclaves map[string]*memguard.Enclave
}

// NewFileSource creates a file-backed secret source
func NewFileSource(dir string, logger *zap.Logger) *FileSource {
	return &FileSource{
		dir:      dir,
		logger:   logger,
		enclaves: make(map[string]*memguard.Enclave),
	}
}

// Use implements Source
func (s *FileSource) Use(name string, fn func(value string) error) error {
	if name == "" {
		return fn("")
	}

	enclave, err := s.enclave(name)
	if err != nil {
		return err
	}

	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret %s: %w", name, err)
	}
	defer buf.Destroy()

	return fn(buf.String())
}

func (s *FileSource) enclave(name string) (*memguard.Enclave, error) {
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid secret name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.enclaves[name]; ok {
		return e, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
	}

	trimmed := bytes.TrimRight(data, "\r\n")
	// NewEnclave wipes its argument; the trailing newline is wiped here
	memguard.WipeBytes(data[len(trimmed):])
	e := memguard.NewEnclave(trimmed)
	if e == nil {
		return nil, fmt.Errorf("secret %s is empty", name)
	}
	s.enclaves[name] = e

	s.logger.Debug("Loaded secret", zap.String("name", name))
	return e, nil
}

// StaticSource serves secrets from a map. Intended for tests and development.
type StaticSource map[string]string

// Use implements Source
func (s StaticSource) Use(name string, fn func(value string) error) error {
	if name == "" {
		return fn("")
	}
	v, ok := s[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return fn(v)
}

// Purge wipes all sealed secrets; call on shutdown
func Purge() {
	memguard.Purge()
}
