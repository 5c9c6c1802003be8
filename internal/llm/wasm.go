package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmCompleter runs a sandboxed WASI scorer module. Each request gets a fresh
// instance with the JSON request on stdin; the module writes
// {"content": "..."} to stdout. Modules may import env.host_log to log
// through the service logger.
type WasmCompleter struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	logger   *slog.Logger
}

// NewWasmCompleter compiles the module at path once.
func NewWasmCompleter(ctx context.Context, path string) (*WasmCompleter, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return newWasmCompleter(ctx, wasmBytes, slog.New(slog.DiscardHandler))
}

func newWasmCompleter(ctx context.Context, wasmBytes []byte, logger *slog.Logger) (*WasmCompleter, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return &WasmCompleter{rt: rt, compiled: compiled, logger: logger}, nil
}

func (w *WasmCompleter) Complete(ctx context.Context, req Request) (string, error) {
	input, err := encodeRequest(req)
	if err != nil {
		return "", err
	}
	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs("scorer").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.rt.InstantiateModule(ctx, w.compiled, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		} else {
			return "", fmt.Errorf("wasm scorer failed: %w: %s", err, stderr.String())
		}
	}
	return decodeResponse(stdout.Bytes())
}

// Close releases the compiled module and runtime.
func (w *WasmCompleter) Close(ctx context.Context) error {
	if w == nil || w.rt == nil {
		return nil
	}
	return w.rt.Close(ctx)
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("scorer log out of bounds", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Info("scorer log", slog.String("message", string(data)))
	})
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log").
		Instantiate(ctx)
	return err
}
