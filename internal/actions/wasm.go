package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/hermeskit/internal/bus"
	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/loqalabs/hermeskit/internal/topic"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const (
	PublishOK            = 0
	PublishErrNotAllowed = 1
	PublishErrRuntime    = 2
)

// Runtime hosts WASM actions. Modules import "env" with host_log(ptr, len)
// and host_publish(topic_ptr, topic_len, payload_ptr, payload_len) -> code,
// and talk WASI for stdin and stdout.
type Runtime struct {
	rt        wazero.Runtime
	log       *slog.Logger
	publisher bus.Publisher
}

// NewRuntime creates the shared wazero runtime. publisher may be nil, in
// which case host_publish always fails.
func NewRuntime(ctx context.Context, publisher bus.Publisher, logger *slog.Logger) (*Runtime, error) {
	r := &Runtime{
		rt:        wazero.NewRuntime(ctx),
		log:       logger.With(slog.String("component", "actions.wasm")),
		publisher: publisher,
	}
	if err := r.instantiateHostModule(ctx); err != nil {
		r.rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.rt); err != nil {
		r.rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return r, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// allowPublish keeps modules away from intent topics and wildcards; they
// may only talk to the dialogue manager and audio server.
func allowPublish(name string) error {
	if err := topic.Validate(name); err != nil {
		return err
	}
	if topic.HasWildcard(name) {
		return errors.New("wildcards are not publishable")
	}
	if !strings.HasPrefix(name, "hermes/dialogueManager/") && !strings.HasPrefix(name, "hermes/audioServer/") {
		return fmt.Errorf("topic %s not allowed", name)
	}
	return nil
}

func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	builder := r.rt.NewHostModuleBuilder("env")

	hostLog := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			r.log.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		r.log.Info("action log", slog.String("module", mod.Name()), slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLog, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithParameterNames("ptr", "len").
		Export("host_log")

	hostPublish := api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		mem := mod.Memory()
		topicBytes, ok := mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
		if !ok {
			stack[0] = api.EncodeI32(PublishErrRuntime)
			return
		}
		name := string(topicBytes)
		if err := allowPublish(name); err != nil {
			r.log.Warn("action publish blocked", slog.String("topic", name), slog.String("error", err.Error()))
			stack[0] = api.EncodeI32(PublishErrNotAllowed)
			return
		}
		var payload []byte
		if n := api.DecodeU32(stack[3]); n > 0 {
			data, ok := mem.Read(api.DecodeU32(stack[2]), n)
			if !ok {
				stack[0] = api.EncodeI32(PublishErrRuntime)
				return
			}
			payload = append([]byte(nil), data...)
		}
		if r.publisher == nil {
			stack[0] = api.EncodeI32(PublishErrRuntime)
			return
		}
		if err := r.publisher.Publish(name, 1, payload); err != nil {
			r.log.Error("action publish failed", slog.String("topic", name), slog.String("error", err.Error()))
			stack[0] = api.EncodeI32(PublishErrRuntime)
			return
		}
		stack[0] = api.EncodeI32(PublishOK)
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostPublish,
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		WithParameterNames("topic_ptr", "topic_len", "payload_ptr", "payload_len").
		WithResultNames("code").
		Export("host_publish")

	_, err := builder.Instantiate(ctx)
	return err
}

// Wasm is a compiled module, instantiated afresh for every intent so each
// run gets its own stdin and stdout.
type Wasm struct {
	rt         *Runtime
	compiled   wazero.CompiledModule
	entrypoint string
	env        map[string]string
	timeout    time.Duration

	// one instance at a time
	mu sync.Mutex
}

// Load compiles the module at path. The entrypoint defaults to _start.
func (r *Runtime) Load(ctx context.Context, path, entrypoint string, env map[string]string, timeout time.Duration) (*Wasm, error) {
	if r == nil || r.rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	if entrypoint == "" {
		entrypoint = "_start"
	}
	if _, ok := compiled.ExportedFunctions()[entrypoint]; !ok {
		compiled.Close(ctx)
		return nil, fmt.Errorf("entrypoint %q not found", entrypoint)
	}
	return &Wasm{rt: r, compiled: compiled, entrypoint: entrypoint, env: env, timeout: timeout}, nil
}

func (w *Wasm) Run(ctx context.Context, msg *hermes.IntentMessage) (Reply, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := withTimeout(ctx, w.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdin(bytes.NewReader(msg.Raw)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(w.entrypoint).
		WithSysWalltime().
		WithSysNanotime()
	for k, v := range w.env {
		cfg = cfg.WithEnv(k, v)
	}
	for _, kv := range intentEnv(ctx, msg) {
		k, v, _ := strings.Cut(kv, "=")
		cfg = cfg.WithEnv(k, v)
	}

	module, err := w.rt.rt.InstantiateModule(ctx, w.compiled, cfg)
	if err != nil {
		return Reply{}, fmt.Errorf("instantiate module: %w", err)
	}
	defer module.Close(ctx)

	_, err = module.ExportedFunction(w.entrypoint).Call(ctx)
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		err = nil
	}
	if err != nil {
		if text := strings.TrimSpace(stderr.String()); text != "" {
			return Reply{}, errors.New(text)
		}
		return Reply{}, fmt.Errorf("run %s: %w", w.entrypoint, err)
	}
	return ParseReply(stdout.Bytes())
}

func (w *Wasm) Close(ctx context.Context) error {
	if w == nil || w.compiled == nil {
		return nil
	}
	return w.compiled.Close(ctx)
}
