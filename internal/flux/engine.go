// Package flux runs a WebAssembly plugin that rewrites or filters records
// before they are delivered.
//
// A plugin exports its linear memory as "memory" and three functions:
//
//	alloc(size i32) i32
//	dealloc(ptr i32, size i32)
//	serena_transform(ptr i32, len i32) i64
//
// serena_transform receives one record as JSON and returns the rewritten
// record packed as ptr<<32 | len, or 0 to drop it. The host frees the
// result with dealloc. An optional serena_init() runs once after loading.
package flux

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

const transformExport = "serena_transform"

type Engine struct {
	runtime   wazero.Runtime
	module    api.Module
	alloc     api.Function
	dealloc   api.Function
	transform api.Function
	log       *zap.Logger

	mu sync.Mutex // guest memory is not safe for concurrent calls
}

// NewEngine loads the plugin at wasmPath.
func NewEngine(ctx context.Context, wasmPath string, log *zap.Logger) (*Engine, error) {
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm file: %w", err)
	}
	return Load(ctx, wasmBytes, log)
}

// Load instantiates a plugin from its binary.
func Load(ctx context.Context, wasmBytes []byte, log *zap.Logger) (*Engine, error) {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to compile wasm module: %w", err)
	}

	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithStdout(os.Stderr).WithStderr(os.Stderr))
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate wasm module: %w", err)
	}

	e := &Engine{
		runtime:   r,
		module:    mod,
		alloc:     mod.ExportedFunction("alloc"),
		dealloc:   mod.ExportedFunction("dealloc"),
		transform: mod.ExportedFunction(transformExport),
		log:       logging.OrNop(log).Named("flux"),
	}
	for name, fn := range map[string]api.Function{"alloc": e.alloc, "dealloc": e.dealloc, transformExport: e.transform} {
		if fn == nil {
			r.Close(ctx)
			return nil, fmt.Errorf("%s not exported", name)
		}
	}
	if mod.Memory() == nil {
		r.Close(ctx)
		return nil, fmt.Errorf("memory not exported")
	}

	if init := mod.ExportedFunction("serena_init"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("failed to initialize plugin: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Transform passes rec through the plugin. keep is false when the plugin
// dropped the record.
func (e *Engine) Transform(ctx context.Context, rec models.IngestRecord) (out models.IngestRecord, keep bool, err error) {
	in, err := models.MarshalRecord(rec)
	if err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ptr, err := e.write(ctx, in)
	if err != nil {
		return nil, false, err
	}
	defer e.free(ctx, ptr, uint32(len(in)))

	results, err := e.transform.Call(ctx, uint64(ptr), uint64(len(in)))
	if err != nil {
		return nil, false, fmt.Errorf("failed to call %s: %w", transformExport, err)
	}

	packed := results[0]
	if packed == 0 {
		return nil, false, nil
	}
	resPtr, resLen := uint32(packed>>32), uint32(packed)
	defer e.free(ctx, resPtr, resLen)

	data, ok := e.module.Memory().Read(resPtr, resLen)
	if !ok {
		return nil, false, fmt.Errorf("failed to read from memory at %d", resPtr)
	}
	out, err = models.UnmarshalRecord(data)
	if err != nil {
		return nil, false, fmt.Errorf("plugin returned an invalid record: %w", err)
	}
	return out, true, nil
}

// TransformAll transforms records in order, leaving out dropped ones.
func (e *Engine) TransformAll(ctx context.Context, records []models.IngestRecord) ([]models.IngestRecord, error) {
	out := make([]models.IngestRecord, 0, len(records))
	for _, rec := range records {
		r, keep, err := e.Transform(ctx, rec)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, r)
		}
	}
	if dropped := len(records) - len(out); dropped > 0 {
		e.log.Debug("plugin dropped records", zap.Int("dropped", dropped))
	}
	return out, nil
}

func (e *Engine) write(ctx context.Context, data []byte) (uint32, error) {
	results, err := e.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if !e.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes at %d", len(data), ptr)
	}
	return ptr, nil
}

func (e *Engine) free(ctx context.Context, ptr, size uint32) {
	if _, err := e.dealloc.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		e.log.Debug("dealloc failed", zap.Error(err))
	}
}
