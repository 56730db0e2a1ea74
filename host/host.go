package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caffeineduck/luaplug/capability"
	"github.com/caffeineduck/luaplug/stopflag"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Result holds the values a script returned and how long it ran.
type Result struct {
	// Returns are the script's return values converted with tostring.
	Returns  []string
	Duration time.Duration
}

// Host owns one Lua interpreter.
type Host struct {
	L     *lua.LState
	cfg   config
	flag  *stopflag.Flag
	life  lifecycle
	log   *zap.Logger
	cache *ChunkCache
}

// New creates a Host with the full Lua standard library loaded.
func New(opts ...Option) *Host {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Host{
		L:     lua.NewState(),
		cfg:   cfg,
		flag:  cfg.flag,
		log:   cfg.logger,
		cache: cfg.cache,
	}
	h.L.SetGlobal("print", h.L.NewFunction(h.print))

	if cfg.download != nil {
		h.bindDownload(cfg.download)
	}

	h.log.Debug("host created",
		zap.Bool("download", cfg.download != nil),
		zap.Bool("stop_hook", cfg.flag != nil),
		zap.Duration("timeout", cfg.timeout),
	)
	return h
}

// RegisterDownload binds c under the global name download. It must be called
// before the first execution.
func (h *Host) RegisterDownload(c capability.Capability) error {
	if err := h.checkCreated(); err != nil {
		return err
	}
	if c == nil {
		return errors.New("nil capability")
	}
	h.bindDownload(c)
	return nil
}

// InstallStopHook makes every later execution stop when flag is set. It must
// be called before the first execution.
func (h *Host) InstallStopHook(flag *stopflag.Flag) error {
	if err := h.checkCreated(); err != nil {
		return err
	}
	h.flag = flag
	return nil
}

// StopFlag returns the installed flag, or nil.
func (h *Host) StopFlag() *stopflag.Flag {
	return h.flag
}

func (h *Host) State() State {
	return h.life.load()
}

// LoadFile compiles the script at path without running it.
func (h *Host) LoadFile(path string) (*Chunk, error) {
	if h.life.load() == StateClosed {
		return nil, ErrClosed
	}
	if h.cache != nil {
		return h.cache.Get(path)
	}
	return CompileFile(path)
}

// ExecuteFile compiles and runs the script at path.
func (h *Host) ExecuteFile(ctx context.Context, path string) (*Result, error) {
	chunk, err := h.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return h.Run(ctx, chunk)
}

// ExecuteString compiles and runs code under the given chunk name.
func (h *Host) ExecuteString(ctx context.Context, name, code string) (*Result, error) {
	if h.life.load() == StateClosed {
		return nil, ErrClosed
	}
	chunk, err := CompileString(name, code)
	if err != nil {
		return nil, err
	}
	return h.Run(ctx, chunk)
}

// Run executes a compiled chunk in this host's global environment.
func (h *Host) Run(ctx context.Context, chunk *Chunk) (*Result, error) {
	if err := h.life.begin(); err != nil {
		return nil, err
	}
	defer h.life.end()

	start := time.Now()

	if h.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.timeout)
		defer cancel()
	}

	runCtx, release := withStop(ctx, h.flag)
	defer release()

	L := h.L
	L.SetContext(runCtx)
	defer L.RemoveContext()

	base := L.GetTop()
	L.Push(L.NewFunctionFromProto(chunk.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(base)
		serr := h.classify(runCtx, chunk.name, err)
		h.log.Info("script failed",
			zap.String("chunk", chunk.name),
			zap.Stringer("kind", serr.Kind),
			zap.String("message", serr.Message),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, serr
	}

	n := L.GetTop() - base
	returns := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		returns = append(returns, L.ToStringMeta(L.Get(base+i)).String())
	}
	L.SetTop(base)

	result := &Result{Returns: returns, Duration: time.Since(start)}
	h.log.Debug("script finished",
		zap.String("chunk", chunk.name),
		zap.Int("returns", n),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Close releases the interpreter. It is safe to call more than once and
// fails with ErrBusy while a script is running.
func (h *Host) Close() error {
	closed, err := h.life.close()
	if err != nil {
		return err
	}
	if closed {
		h.L.Close()
		h.log.Debug("host closed")
	}
	return nil
}

func (h *Host) checkCreated() error {
	switch h.life.load() {
	case StateCreated:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrStarted
	}
}

func (h *Host) bindDownload(c capability.Capability) {
	h.L.SetGlobal(capability.DownloadName, h.L.NewFunction(c.Invoke))
}

func (h *Host) classify(ctx context.Context, name string, err error) *ScriptError {
	serr := &ScriptError{Kind: KindRuntime, Name: name, Message: err.Error(), Err: err}

	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		serr.Message = apiErr.Object.String()
		serr.Traceback = apiErr.StackTrace
	}

	if ctx.Err() == nil {
		return serr
	}
	switch {
	case stopped(ctx):
		serr.Kind = KindCancelled
		serr.Err = ErrStopped
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		serr.Kind = KindTimeout
		serr.Err = context.DeadlineExceeded
		if h.cfg.timeout > 0 {
			serr.Err = fmt.Errorf("timeout after %v: %w", h.cfg.timeout, context.DeadlineExceeded)
		}
	default:
		serr.Kind = KindCancelled
		serr.Err = ctx.Err()
	}
	return serr
}

// print mirrors the builtin but writes to the configured output.
func (h *Host) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	fmt.Fprintln(h.cfg.out, strings.Join(parts, "\t"))
	return 0
}
