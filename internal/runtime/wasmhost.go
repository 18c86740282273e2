package runtime

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/keel-sh/keel/internal/apperrors"
	"github.com/keel-sh/keel/internal/event"
	"github.com/keel-sh/keel/internal/manifest"
)

// hostCache speeds up compilation across hosts.
var hostCache = wazero.NewCompilationCache()

// WasmHost runs wasm agents. Modules are compiled once per agent and
// instantiated fresh for every dispatch so runs never share memory.
type WasmHost struct {
	issuer  *TicketIssuer
	runtime wazero.Runtime

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWasmHost creates the wazero runtime and instantiates WASI.
func NewWasmHost(ctx context.Context, issuer *TicketIssuer) (*WasmHost, error) {
	cfg := wazero.NewRuntimeConfig().WithCompilationCache(hostCache)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &WasmHost{
		issuer:   issuer,
		runtime:  r,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Close releases the wazero runtime.
func (h *WasmHost) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Dispatch redeems the tickets, instantiates the agent module, and
// invokes its exported run function. The module returns a JSON array of
// events as a packed pointer/length pair.
func (h *WasmHost) Dispatch(ctx context.Context, m *manifest.Manifest, baseDir, input string, tickets []Ticket) ([]event.Event, error) {
	for _, t := range tickets {
		if err := h.issuer.Redeem(t.ID); err != nil {
			return nil, fmt.Errorf("ticket for %s: %w", t.Capability.String(), err)
		}
	}

	module, err := h.compile(ctx, m, baseDir)
	if err != nil {
		return nil, err
	}

	var stdout bytes.Buffer
	instance, err := h.runtime.InstantiateModule(ctx, module, wazero.NewModuleConfig().
		WithName("").
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithStdout(&stdout).
		WithStderr(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate agent %s: %w", m.Name, err)
	}
	defer func() {
		_ = instance.Close(ctx)
	}()

	payload, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
	}{Prompt: input})
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrFormat, "input: %v", err)
	}

	ptr, err := writeToMemory(ctx, instance, payload)
	if err != nil {
		return nil, err
	}
	defer deallocate(ctx, instance, ptr, uint32(len(payload)))

	runFn := instance.ExportedFunction("run")
	if runFn == nil {
		return nil, fmt.Errorf("agent %s does not export run() function", m.Name)
	}
	results, err := runFn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to call run(): %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("run() returned no results")
	}

	packed := results[0]
	outPtr := uint32(packed >> 32)
	outSize := uint32(packed & 0xFFFFFFFF)
	if outPtr == 0 || outSize == 0 {
		return nil, nil
	}

	data, err := readFromMemory(ctx, instance, outPtr, outSize)
	if err != nil {
		return nil, err
	}

	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrFormat, "agent %s output: %v", m.Name, err)
	}
	return events, nil
}

// compile compiles the agent entry once and caches it by name.
func (h *WasmHost) compile(ctx context.Context, m *manifest.Manifest, baseDir string) (wazero.CompiledModule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if module, ok := h.compiled[m.Name]; ok {
		return module, nil
	}

	wasmBytes, err := os.ReadFile(m.EntryPath(baseDir))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "agent entry %q: %v", m.Entry, err)
	}
	module, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile agent %s: %w", m.Name, err)
	}
	h.compiled[m.Name] = module
	return module, nil
}

// writeToMemory allocates guest memory via the module's allocate export
// and copies data into it.
func writeToMemory(ctx context.Context, instance api.Module, data []byte) (uint32, error) {
	allocateFn := instance.ExportedFunction("allocate")
	if allocateFn == nil {
		return 0, fmt.Errorf("agent does not export allocate() function")
	}
	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate memory: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("allocate() returned no results")
	}

	ptr := uint32(results[0])
	if !instance.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes at offset %d", len(data), ptr)
	}
	return ptr, nil
}

func readFromMemory(ctx context.Context, instance api.Module, ptr, size uint32) ([]byte, error) {
	defer deallocate(ctx, instance, ptr, size)

	data, ok := instance.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read memory at offset %d", ptr)
	}
	result := make([]byte, size)
	copy(result, data)
	return result, nil
}

func deallocate(ctx context.Context, instance api.Module, ptr, size uint32) {
	deallocateFn := instance.ExportedFunction("deallocate")
	if deallocateFn != nil {
		_, _ = deallocateFn.Call(ctx, uint64(ptr), uint64(size))
	}
}
