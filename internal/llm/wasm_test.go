package llm

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// scorerModule assembles a WASI module whose _start writes reply to stdout.
// reply must be exactly 16 bytes to fit the fixed data segment.
func scorerModule(reply string) []byte {
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	// types: fd_write (i32 i32 i32 i32) -> i32, _start () -> ()
	b = append(b, 0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00)
	b = append(b, 0x02, 0x23, 0x01, 0x16)
	b = append(b, "wasi_snapshot_preview1"...)
	b = append(b, 0x08)
	b = append(b, "fd_write"...)
	b = append(b, 0x00, 0x00)
	b = append(b, 0x03, 0x02, 0x01, 0x01)
	b = append(b, 0x05, 0x03, 0x01, 0x00, 0x01)
	b = append(b, 0x07, 0x13, 0x02, 0x06)
	b = append(b, "memory"...)
	b = append(b, 0x02, 0x00, 0x06)
	b = append(b, "_start"...)
	b = append(b, 0x00, 0x01)
	// fd_write(1, iovs=0, iovs_len=1, nwritten=8); drop
	b = append(b, 0x0a, 0x0f, 0x01, 0x0d, 0x00, 0x41, 0x01, 0x41, 0x00, 0x41, 0x01, 0x41, 0x08, 0x10, 0x00, 0x1a, 0x0b)
	// memory[0:16] = iovec{buf: 16, len: 16} + nwritten slot, memory[16:32] = reply
	b = append(b, 0x0b, 0x26, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x20)
	b = append(b, 0x10, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00)
	b = append(b, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
	b = append(b, reply...)
	return b
}

func TestWasmCompleterRunsModule(t *testing.T) {
	ctx := context.Background()
	c, err := newWasmCompleter(ctx, scorerModule(`{"content":"ok"}`), discardLogger())
	if err != nil {
		t.Fatalf("new wasm completer: %v", err)
	}
	t.Cleanup(func() { c.Close(ctx) })

	for i := 0; i < 2; i++ {
		out, err := c.Complete(ctx, Request{Prompt: "rate me"})
		if err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if out != "ok" {
			t.Fatalf("expected ok, got %q", out)
		}
	}
}

func TestWasmCompleterRejectsBadModules(t *testing.T) {
	ctx := context.Background()
	if _, err := NewWasmCompleter(ctx, filepath.Join(t.TempDir(), "missing.wasm")); err == nil {
		t.Fatal("expected error for missing module")
	}
	_, err := newWasmCompleter(ctx, []byte("not wasm"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "compile module") {
		t.Fatalf("expected compile error, got %v", err)
	}
}

func TestWasmCompleterBadReply(t *testing.T) {
	ctx := context.Background()
	c, err := newWasmCompleter(ctx, scorerModule(`{"content": 42 }`), discardLogger())
	if err != nil {
		t.Fatalf("new wasm completer: %v", err)
	}
	t.Cleanup(func() { c.Close(ctx) })
	if _, err := c.Complete(ctx, Request{Prompt: "x"}); err == nil {
		t.Fatal("expected decode error for non-string content")
	}
}
