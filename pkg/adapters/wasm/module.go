package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/processor/pkg/engine"
	"github.com/openfroyo/processor/pkg/telemetry"
)

// HostConfig contains configuration for the WASM host.
type HostConfig struct {
	// Timeout is the default bound of one adapter call.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

func (c HostConfig) withDefaults() HostConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = 256
	}
	return c
}

// Module is an instantiated adapter module. It implements engine.Adapter.
//
// The guest exports memory, malloc(size) -> ptr, free(ptr) and
// adapter_execute(ptr, len) -> (out_ptr << 32 | out_len). The input is the
// JSON-encoded engine.Call. An empty output means success; otherwise the
// output is JSON {"error": "..."} and a non-empty error fails the function.
type Module struct {
	manifest *Manifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	execute  api.Function
	enforcer *enforcer
	timeout  time.Duration
	logger   *telemetry.Logger

	// mu serializes calls; a module instance is single-threaded.
	mu sync.Mutex
}

type executeOutput struct {
	Error string `json:"error"`
}

// NewModule compiles and instantiates wasm under its own runtime.
func NewModule(ctx context.Context, manifest *Manifest, wasm []byte, cfg HostConfig, logger *telemetry.Logger) (*Module, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	timeout := cfg.Timeout
	if manifest.Timeout > 0 {
		timeout = manifest.Timeout
	}

	m := &Module{
		manifest: manifest,
		enforcer: newEnforcer(manifest.Capabilities),
		timeout:  timeout,
		logger:   logger.NewComponentLogger("wasm").WithField("address", manifest.Address),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	m.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, m.runtime); err != nil {
		m.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if _, err := m.hostModule().Instantiate(ctx); err != nil {
		m.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := m.runtime.CompileModule(ctx, wasm)
	if err != nil {
		m.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}
	m.compiled = compiled

	if err := m.instantiate(ctx); err != nil {
		m.runtime.Close(ctx)
		return nil, err
	}

	return m, nil
}

// instantiate creates a fresh instance of the compiled module and resolves
// its exports.
func (m *Module) instantiate(ctx context.Context) error {
	cfg := wazero.NewModuleConfig().WithName(m.manifest.Address)
	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	memory := mod.Memory()
	malloc := mod.ExportedFunction("malloc")
	free := mod.ExportedFunction("free")
	execute := mod.ExportedFunction("adapter_execute")
	switch {
	case memory == nil:
		err = fmt.Errorf("module does not export memory")
	case malloc == nil:
		err = fmt.Errorf("module does not export malloc")
	case free == nil:
		err = fmt.Errorf("module does not export free")
	case execute == nil:
		err = fmt.Errorf("module does not export adapter_execute")
	}
	if err != nil {
		mod.Close(ctx)
		return err
	}

	m.module, m.memory, m.malloc, m.free, m.execute = mod, memory, malloc, free, execute
	return nil
}

// Manifest returns the module's manifest.
func (m *Module) Manifest() *Manifest { return m.manifest }

// Execute implements engine.Adapter.
func (m *Module) Execute(ctx context.Context, call engine.Call) error {
	input, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.module.IsClosed() {
		m.logger.Warn("Module instance was closed, instantiating again")
		if err := m.instantiate(ctx); err != nil {
			return fmt.Errorf("adapter %s: %w", m.manifest.Address, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	output, err := m.call(ctx, input)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", m.manifest.Address, err)
	}
	if len(output) == 0 {
		return nil
	}

	var out executeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return fmt.Errorf("adapter %s returned malformed output: %w", m.manifest.Address, err)
	}
	if out.Error != "" {
		return errors.New(out.Error)
	}
	return nil
}

// call writes input into guest memory, runs adapter_execute and copies the
// output out.
func (m *Module) call(ctx context.Context, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := m.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer m.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !m.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := m.execute.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("adapter_execute failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("adapter_execute returned no results")
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := m.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	output := make([]byte, len(view))
	copy(output, view)

	m.deallocate(ctx, outputPtr)
	return output, nil
}

func (m *Module) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := m.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (m *Module) deallocate(ctx context.Context, ptr uint32) {
	if _, err := m.free.Call(ctx, uint64(ptr)); err != nil {
		m.logger.WithError(err).Debug("free failed")
	}
}

// Close releases the runtime.
func (m *Module) Close(ctx context.Context) error {
	return m.runtime.Close(ctx)
}

// hostModule builds the "env" imports. Functions whose capability is not
// granted are still exported so modules link, but do nothing.
func (m *Module) hostModule() wazero.HostModuleBuilder {
	builder := m.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, level, ptr, length uint32) {
			if !m.enforcer.has(CapabilityLog) {
				return
			}
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			l := m.logger.WithField("guest", true)
			switch level {
			case 0:
				l.Debug(string(msg))
			case 1:
				l.Info(string(msg))
			case 2:
				l.Warn(string(msg))
			default:
				l.Error(string(msg))
			}
		}).
		Export("host_log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
			key, ok := mod.Memory().Read(keyPtr, keyLen)
			if !ok {
				return 0
			}
			value, err := m.enforcer.readEnv(string(key))
			if err != nil {
				m.logger.WithField("key", string(key)).WithError(err).Debug("env_get denied")
				return 0
			}
			if value == "" {
				return 0
			}

			results, err := mod.ExportedFunction("malloc").Call(ctx, uint64(len(value)))
			if err != nil || len(results) == 0 {
				return 0
			}
			ptr := uint32(results[0])
			if !mod.Memory().Write(ptr, []byte(value)) {
				return 0
			}
			return pack(ptr, uint32(len(value)))
		}).
		Export("env_get")

	return builder
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v & 0xFFFFFFFF)
}
