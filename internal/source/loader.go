// Package source loads model payload documents from directories or from an
// upstream model service, and serves them to editing sessions from an
// atomically swapped snapshot.
package source

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/modelmgmt/model"
)

// Loader scans directories for payload files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new payload Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// isPayloadFile reports whether path has a payload extension.
func isPayloadFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.json files
// and parses each into a ModelsPayload.
func (l *Loader) LoadAll(directories []string) ([]*model.ModelsPayload, error) {
	var payloads []*model.ModelsPayload

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isPayloadFile(path) {
				return nil
			}

			p, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			payloads = append(payloads, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return payloads, nil
}

// LoadFile loads and parses a single payload file. JSON documents are read
// by the YAML decoder.
func (l *Loader) LoadFile(path string) (*model.ModelsPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	p.SourceFile = path
	return p, nil
}

// Parse decodes a payload document and stamps its checksum.
func Parse(data []byte) (*model.ModelsPayload, error) {
	var p model.ModelsPayload
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	p.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return &p, nil
}
