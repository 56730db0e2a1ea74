package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Guest exports required by the wasm backend.
const (
	wasmAllocate = "allocate"
	wasmDownload = "download"
)

// wasmEnvelopeSize is the wire allowance for status, headers, and JSON
// framing on top of the encoded body.
const wasmEnvelopeSize = 64 << 10

// WasmOption configures a Wasm backend.
type WasmOption func(*wasmConfig)

type wasmConfig struct {
	memoryLimitPages uint32 // 0 = wazero default
	maxBodySize      int64
}

func defaultWasmConfig() wasmConfig {
	return wasmConfig{maxBodySize: DefaultMaxBodySize}
}

// maxWireSize bounds the JSON response read from guest memory. Guest memory
// is 32-bit addressed, so anything past that is unbounded in practice.
func (c wasmConfig) maxWireSize() uint64 {
	if c.maxBodySize > math.MaxUint32 {
		return math.MaxUint32
	}
	n := uint64(c.maxBodySize)
	return (n+2)/3*4 + wasmEnvelopeSize
}

// WithWasmMemoryLimit caps guest memory. Each page is 64KB.
func WithWasmMemoryLimit(pages uint32) WasmOption {
	return func(c *wasmConfig) {
		c.memoryLimitPages = pages
	}
}

// WithWasmMaxResponseSize caps the decoded response body. Zero or a negative
// size keeps DefaultMaxBodySize, matching HTTPConfig.MaxBodySize.
func WithWasmMaxResponseSize(size int64) WasmOption {
	return func(c *wasmConfig) {
		if size > 0 {
			c.maxBodySize = size
		}
	}
}

// Wasm runs downloads inside a WebAssembly guest.
//
// The guest exports memory, allocate(size i32) i32, and
// download(ptr i32, len i32) i64. The host writes a JSON Request into memory
// returned by allocate and calls download, which returns ptr<<32 | len of a
// JSON response:
//
//	{"status": 200, "body": "<base64>", "headers": {...}, "error": "..."}
//
// body is the raw response encoded with standard base64, so binary payloads
// such as images survive the trip. A non-empty error fails the download.
//
// Each call gets a fresh module instance. The runtime closes the instance
// when ctx is done, which interrupts a guest stuck in a loop.
type Wasm struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      wasmConfig
}

// NewWasm compiles module and checks its exports.
func NewWasm(ctx context.Context, module []byte, opts ...WasmOption) (*Wasm, error) {
	cfg := defaultWasmConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile download module: %w", err)
	}

	exports := compiled.ExportedFunctions()
	for _, name := range []string{wasmAllocate, wasmDownload} {
		if _, ok := exports[name]; !ok {
			rt.Close(ctx)
			return nil, fmt.Errorf("guest does not export %q", name)
		}
	}
	if len(compiled.ExportedMemories()) == 0 {
		rt.Close(ctx)
		return nil, fmt.Errorf("guest does not export memory")
	}

	return &Wasm{runtime: rt, compiled: compiled, cfg: cfg}, nil
}

// LoadWasm reads a module from path and calls NewWasm.
func LoadWasm(ctx context.Context, path string, opts ...WasmOption) (*Wasm, error) {
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read download module: %w", err)
	}
	return NewWasm(ctx, module, opts...)
}

func (w *Wasm) Download(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("instantiate download module: %w", err)
	}
	defer mod.Close(ctx)

	packed, err := callPacked(ctx, mod, payload)
	if err != nil {
		return nil, err
	}

	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if length == 0 {
		return nil, fmt.Errorf("null response from guest")
	}
	if uint64(length) > w.cfg.maxWireSize() {
		return nil, fmt.Errorf("response body exceeds max size")
	}

	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("failed to read response from memory")
	}

	var out wasmResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode guest response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%s", out.Error)
	}
	if int64(len(out.Body)) > w.cfg.maxBodySize {
		return nil, fmt.Errorf("response body exceeds max size")
	}

	return &Response{
		Status:  out.Status,
		Body:    out.Body,
		Headers: out.Headers,
	}, nil
}

// Close releases the runtime and every instance it created.
func (w *Wasm) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func callPacked(ctx context.Context, mod api.Module, input []byte) (uint64, error) {
	allocate := mod.ExportedFunction(wasmAllocate)
	results, err := allocate.Call(ctx, uint64(len(input)))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate in guest: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("allocate returned no results")
	}

	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, input) {
		return 0, fmt.Errorf("failed to write input to guest memory")
	}

	results, err = mod.ExportedFunction(wasmDownload).Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return 0, fmt.Errorf("guest download failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("download returned no results")
	}
	return results[0], nil
}
