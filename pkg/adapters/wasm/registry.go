package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// ErrRegistryClosed is returned by Load and Sync after Close.
var ErrRegistryClosed = errors.New("adapter registry is closed")

// Registry loads adapter modules from manifests and registers them with a
// dispatcher under their manifest address.
type Registry struct {
	// mu protects the registry state.
	mu sync.Mutex

	dispatcher *engine.DomainDispatcher
	config     HostConfig
	logger     *telemetry.Logger

	// loaded maps manifest path to the running module.
	loaded map[string]*entry

	// allowed is the set of capabilities modules may request.
	allowed map[Capability]bool

	closed bool
}

type entry struct {
	module      *Module
	fingerprint string
}

// NewRegistry creates a registry that registers into dispatcher.
func NewRegistry(dispatcher *engine.DomainDispatcher, cfg HostConfig, logger *telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	r := &Registry{
		dispatcher: dispatcher,
		config:     cfg.withDefaults(),
		logger:     logger.NewComponentLogger("wasm-registry"),
		loaded:     make(map[string]*entry),
	}
	r.SetAllowedCapabilities(AllCapabilities)
	return r
}

// SetAllowedCapabilities replaces the capability allow list. It applies to
// modules loaded afterwards.
func (r *Registry) SetAllowedCapabilities(capabilities []Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allowed = make(map[Capability]bool, len(capabilities))
	for _, c := range capabilities {
		r.allowed[c] = true
	}
}

// Load loads the manifest at path and registers its module. Loading the same
// path again replaces the running module; an unchanged manifest and module
// is a no-op.
func (r *Registry) Load(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx, path)
}

func (r *Registry) load(ctx context.Context, path string) error {
	if r.closed {
		return ErrRegistryClosed
	}

	manifest, wasm, err := LoadManifest(path)
	if err != nil {
		return fmt.Errorf("failed to load manifest %s: %w", path, err)
	}

	if err := validateCapabilities(manifest.Capabilities, r.allowed); err != nil {
		return fmt.Errorf("capability validation failed for %s: %w", path, err)
	}

	for p, e := range r.loaded {
		if p != path && e.module.Manifest().Address == manifest.Address {
			return fmt.Errorf("address %s already registered by %s", manifest.Address, p)
		}
	}

	fingerprint := fingerprintOf(manifest, wasm)
	prev, exists := r.loaded[path]
	if exists && prev.fingerprint == fingerprint {
		return nil
	}

	module, err := NewModule(ctx, manifest, wasm, r.config, r.logger)
	if err != nil {
		return fmt.Errorf("failed to instantiate %s: %w", path, err)
	}

	r.dispatcher.RegisterAdapter(manifest.Address, module)
	r.loaded[path] = &entry{module: module, fingerprint: fingerprint}

	if exists {
		oldAddress := prev.module.Manifest().Address
		if oldAddress != manifest.Address {
			r.dispatcher.UnregisterAdapter(oldAddress)
		}
		if err := prev.module.Close(ctx); err != nil {
			r.logger.WithError(err).WithField("address", oldAddress).Warn("Failed to close replaced module")
		}
	}

	r.logger.WithField("address", manifest.Address).
		WithField("path", path).
		WithField("capabilities", manifest.CapabilityNames()).
		WithField("verified", manifest.Verified).
		Info("Adapter module loaded")

	return nil
}

// Unload unregisters and closes the module loaded from path.
func (r *Registry) Unload(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unload(ctx, path)
}

func (r *Registry) unload(ctx context.Context, path string) error {
	e, ok := r.loaded[path]
	if !ok {
		return fmt.Errorf("no module loaded from %s", path)
	}
	delete(r.loaded, path)

	address := e.module.Manifest().Address
	r.dispatcher.UnregisterAdapter(address)
	r.logger.WithField("address", address).Info("Adapter module unloaded")
	return e.module.Close(ctx)
}

// Sync loads every manifest (*.yaml, *.yml) in dir and unloads modules whose
// manifest disappeared. A broken manifest does not prevent the others from
// loading; all failures are returned joined.
func (r *Registry) Sync(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read adapter directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	var errs []error
	seen := make(map[string]bool)
	for _, de := range entries {
		if de.IsDir() || !isManifestFile(de.Name()) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		seen[path] = true
		if err := r.load(ctx, path); err != nil {
			r.logger.WithError(err).WithField("path", path).Warn("Failed to load adapter module")
			errs = append(errs, err)
		}
	}

	for path := range r.loaded {
		if filepath.Dir(path) == filepath.Clean(dir) && !seen[path] {
			if err := r.unload(ctx, path); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// Addresses returns the addresses of loaded modules, sorted.
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.loaded))
	for _, e := range r.loaded {
		out = append(out, e.module.Manifest().Address)
	}
	sort.Strings(out)
	return out
}

// Close unloads every module. Later loads fail with ErrRegistryClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var errs []error
	for path := range r.loaded {
		if err := r.unload(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isManifestFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func fingerprintOf(m *Manifest, wasm []byte) string {
	return fmt.Sprintf("%s|%s|%s|%s", m.Address, Checksum(wasm), strings.Join(m.CapabilityNames(), ","), m.Timeout)
}
