package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest describes one adapter module.
type Manifest struct {
	// Address is the dispatcher address the adapter is registered under.
	Address string `yaml:"address" validate:"required,max=128"`

	// Version is informational.
	Version string `yaml:"version,omitempty"`

	// Description is informational.
	Description string `yaml:"description,omitempty"`

	// Entrypoint is the .wasm file, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex SHA-256 of the module. Optional.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Capabilities lists the host functions the module may use.
	Capabilities []Capability `yaml:"capabilities,omitempty" validate:"dive,oneof=log env:read"`

	// Timeout bounds one adapter_execute call. Zero uses the host default.
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`

	// Path is the file the manifest was loaded from.
	Path string `yaml:"-"`

	// WasmPath is the resolved module path.
	WasmPath string `yaml:"-"`

	// Verified is set once the module bytes matched Checksum.
	Verified bool `yaml:"-"`
}

var manifestValidator = validator.New()

// ParseManifest decodes and validates a manifest. baseDir resolves a
// relative entrypoint.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := manifestValidator.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if filepath.IsAbs(m.Entrypoint) {
		m.WasmPath = m.Entrypoint
	} else {
		m.WasmPath = filepath.Join(baseDir, m.Entrypoint)
	}
	return &m, nil
}

// LoadManifest reads a manifest file and returns it together with the module
// bytes it points to. The checksum is verified when present.
func LoadManifest(path string) (*Manifest, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	m.Path = path

	wasm, err := os.ReadFile(m.WasmPath)
	if err != nil {
		return nil, nil, fmt.Errorf("WASM module not found at %s: %w", m.WasmPath, err)
	}

	if m.Checksum != "" {
		if err := m.VerifyChecksum(wasm); err != nil {
			return nil, nil, err
		}
	}
	return m, wasm, nil
}

// VerifyChecksum compares the module bytes against the manifest checksum.
func (m *Manifest) VerifyChecksum(wasm []byte) error {
	if m.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	computed := Checksum(wasm)
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// HasCapability reports whether the manifest requests c.
func (m *Manifest) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CapabilityNames returns the requested capabilities, sorted and deduplicated.
func (m *Manifest) CapabilityNames() []string {
	set := make(map[string]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		set[string(c)] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Checksum returns the hex SHA-256 of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
