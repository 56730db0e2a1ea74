package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/caffeineduck/luaplug/capability"
	"github.com/caffeineduck/luaplug/host"
	"github.com/caffeineduck/luaplug/internal/fsroot"
	"github.com/caffeineduck/luaplug/stopflag"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for script execution",
	Long: `Start an HTTP server that runs Lua scripts on request.

Scripts are given inline ("code") or by name ("script"), resolved under the
scripts directory. Compiled scripts are cached and recompiled when the file
changes.

Endpoints:
  POST   /execute              Run a script and wait for the result
  POST   /check                Compile a script without running it
  POST   /runs                 Start a run in the background, returns {"run_id":"..."}
  GET    /runs/{id}            Run status, output, and stop_flag (0 or 1)
  POST   /runs/{id}/stop       Set the run's stop flag
  DELETE /runs/{id}            Forget a finished run
  GET    /scripts              List scripts in the scripts directory
  GET    /health               Health check`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "Default execution timeout")
	serveCmd.Flags().String("scripts", "", "Scripts directory (default from config)")
	serveCmd.Flags().StringSlice("allow-host", nil, "Allow download from host (repeatable, * for any)")
	rootCmd.AddCommand(serveCmd)
}

// Run states reported by GET /runs/{id}.
const (
	runRunning  = "running"
	runFinished = "finished"
	runFailed   = "failed"
	runStopped  = "stopped"
)

type runManager struct {
	runs map[string]*run
	mu   sync.RWMutex
	ttl  time.Duration

	quit     chan struct{}
	quitOnce sync.Once
}

type run struct {
	id     string
	script string
	flag   *stopflag.Flag
	output syncBuffer
	done   chan struct{}

	mu       sync.Mutex
	status   string
	returns  []string
	err      error
	started  time.Time
	finished time.Time
}

func newRunManager(ttl time.Duration) *runManager {
	rm := &runManager{
		runs: make(map[string]*run),
		ttl:  ttl,
		quit: make(chan struct{}),
	}
	go rm.cleanup()
	return rm
}

func (rm *runManager) start(script string) *run {
	r := &run{
		id:      uuid.NewString(),
		script:  script,
		flag:    stopflag.New(),
		done:    make(chan struct{}),
		status:  runRunning,
		started: time.Now(),
	}
	rm.mu.Lock()
	rm.runs[r.id] = r
	rm.mu.Unlock()
	return r
}

func (rm *runManager) get(id string) (*run, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	r, ok := rm.runs[id]
	return r, ok
}

// remove drops a finished run. Running runs must be stopped first.
func (rm *runManager) remove(id string) (found bool, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.runs[id]
	if !ok {
		return false, nil
	}
	if r.running() {
		return true, errors.New("run still in progress")
	}
	delete(rm.runs, id)
	return true, nil
}

func (rm *runManager) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rm.quit:
			return
		case <-ticker.C:
			rm.expire(time.Now())
		}
	}
}

// expire drops finished runs older than the TTL.
func (rm *runManager) expire(now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, r := range rm.runs {
		r.mu.Lock()
		old := r.status != runRunning && now.Sub(r.finished) > rm.ttl
		r.mu.Unlock()
		if old {
			delete(rm.runs, id)
		}
	}
}

// stopAll stops every running script and waits for them to finish.
func (rm *runManager) stopAll() {
	rm.quitOnce.Do(func() { close(rm.quit) })
	rm.mu.RLock()
	runs := make([]*run, 0, len(rm.runs))
	for _, r := range rm.runs {
		runs = append(runs, r)
	}
	rm.mu.RUnlock()

	for _, r := range runs {
		r.flag.Set(true)
		<-r.done
	}
}

func (r *run) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status == runRunning
}

func (r *run) finish(res *host.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = time.Now()
	switch {
	case err == nil:
		r.status = runFinished
		r.returns = res.Returns
	case errors.Is(err, host.ErrStopped):
		r.status = runStopped
		r.err = err
	default:
		r.status = runFailed
		r.err = err
	}
	close(r.done)
}

func (r *run) snapshot() runStatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := runStatusResponse{
		RunID:    r.id,
		Script:   r.script,
		Status:   r.status,
		Output:   r.output.String(),
		Returns:  r.returns,
		StopFlag: r.flag.Value(),
	}
	end := r.finished
	if end.IsZero() {
		end = time.Now()
	}
	resp.DurationMs = end.Sub(r.started).Milliseconds()
	if r.err != nil {
		resp.Error = r.err.Error()
		resp.Kind = kindName(r.err)
	}
	return resp
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type scriptRequest struct {
	Script  string `json:"script,omitempty"`
	Code    string `json:"code,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	timeout time.Duration
}

type executeResponse struct {
	Output     string   `json:"output"`
	Returns    []string `json:"returns,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
	Kind       string   `json:"kind,omitempty"`
}

type checkResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

type runStatusResponse struct {
	RunID      string   `json:"run_id"`
	Script     string   `json:"script,omitempty"`
	Status     string   `json:"status"`
	Output     string   `json:"output"`
	Returns    []string `json:"returns,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	StopFlag   int      `json:"stop_flag"`
	Error      string   `json:"error,omitempty"`
	Kind       string   `json:"kind,omitempty"`
}

// server holds everything the HTTP handlers share.
type server struct {
	download capability.Capability
	scripts  *fsroot.Root // nil when the scripts directory does not exist
	chunks   *host.ChunkCache
	runs     *runManager
	timeout  time.Duration
	log      *zap.Logger
}

func newServer(download capability.Capability, scripts *fsroot.Root, timeout, runTTL time.Duration, logger *zap.Logger) *server {
	return &server{
		download: download,
		scripts:  scripts,
		chunks:   host.NewChunkCache(),
		runs:     newRunManager(runTTL),
		timeout:  timeout,
		log:      logger,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /check", s.handleCheck)
	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/stop", s.handleStopRun)
	mux.HandleFunc("DELETE /runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("GET /scripts", s.handleScripts)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// decodeScript reads a scriptRequest and compiles what it names. A non-nil
// error is already written to w.
func (s *server) decodeScript(w http.ResponseWriter, r *http.Request) (scriptRequest, *host.Chunk, error) {
	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, nil, err
	}

	timeout, err := s.requestTimeout(req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, nil, err
	}
	req.timeout = timeout

	switch {
	case req.Code != "" && req.Script != "":
		err := errors.New("use either code or script")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, nil, err
	case req.Code != "":
		chunk, err := host.CompileString("request", req.Code)
		return req, chunk, err
	case req.Script != "":
		if s.scripts == nil {
			err := errors.New("scripts directory not configured")
			http.Error(w, err.Error(), http.StatusNotFound)
			return req, nil, err
		}
		path, err := s.scripts.Open(req.Script)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, fs.ErrNotExist) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return req, nil, err
		}
		chunk, err := s.chunks.Get(path)
		return req, chunk, err
	default:
		err := errors.New("code or script required")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, nil, err
	}
}

// requestTimeout parses a per-request timeout. Requests may shorten the
// server timeout but never lift it; zero or negative values keep the default.
func (s *server) requestTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return s.timeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", raw, err)
	}
	if d <= 0 || (s.timeout > 0 && d > s.timeout) {
		return s.timeout, nil
	}
	return d, nil
}

func (s *server) newHost(req scriptRequest, flag *stopflag.Flag, out *syncBuffer) *host.Host {
	return host.New(
		host.WithDownload(s.download),
		host.WithStopFlag(flag),
		host.WithTimeout(req.timeout),
		host.WithOutput(out),
		host.WithLogger(s.log),
	)
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, chunk, err := s.decodeScript(w, r)
	if chunk == nil {
		if serr := scriptError(err); serr != nil {
			writeJSON(w, executeResponse{Error: serr.Error(), Kind: kindName(serr)})
		}
		return
	}

	var out syncBuffer
	h := s.newHost(req, stopflag.New(), &out)
	defer h.Close()

	res, err := h.Run(r.Context(), chunk)
	resp := executeResponse{Output: out.String()}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = kindName(err)
	} else {
		resp.Returns = res.Returns
		resp.DurationMs = res.Duration.Milliseconds()
	}
	writeJSON(w, resp)
}

func (s *server) handleCheck(w http.ResponseWriter, r *http.Request) {
	_, chunk, err := s.decodeScript(w, r)
	if chunk != nil {
		writeJSON(w, checkResponse{OK: true})
		return
	}
	if serr := scriptError(err); serr != nil {
		writeJSON(w, checkResponse{Error: serr.Error(), Kind: kindName(serr)})
	}
}

func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	req, chunk, err := s.decodeScript(w, r)
	if chunk == nil {
		if serr := scriptError(err); serr != nil {
			http.Error(w, serr.Error(), http.StatusUnprocessableEntity)
		}
		return
	}

	run := s.runs.start(req.Script)
	h := s.newHost(req, run.flag, &run.output)
	s.log.Info("run started", zap.String("run_id", run.id), zap.String("chunk", chunk.Name()))

	go func() {
		defer h.Close()
		res, err := h.Run(context.Background(), chunk)
		run.finish(res, err)
		s.log.Info("run finished", zap.String("run_id", run.id), zap.Error(err))
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(startRunResponse{RunID: run.id})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, run.snapshot())
}

func (s *server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	run.flag.Set(true)
	s.log.Info("stop requested", zap.String("run_id", run.id))
	writeJSON(w, run.snapshot())
}

func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	found, err := s.runs.remove(r.PathValue("id"))
	switch {
	case !found:
		http.Error(w, "run not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleScripts(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		writeJSON(w, []fsroot.Entry{})
		return
	}
	entries, err := s.scripts.List("", ".lua")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	files := entries[:0]
	for _, e := range entries {
		if !e.IsDir {
			files = append(files, e)
		}
	}
	writeJSON(w, files)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func scriptError(err error) *host.ScriptError {
	var serr *host.ScriptError
	if errors.As(err, &serr) {
		return serr
	}
	return nil
}

func kindName(err error) string {
	if kind := host.KindOf(err); kind != 0 {
		return kind.String()
	}
	return ""
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, logger := mustSetup(cmd)
	defer logger.Sync()

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("scripts") {
		cfg.ScriptsDir, _ = flags.GetString("scripts")
	}
	if flags.Changed("allow-host") {
		cfg.Download.AllowedHosts, _ = flags.GetStringSlice("allow-host")
	}
	if err := cfg.Validate(); err != nil {
		fail(logger, err)
	}

	backend, err := buildDownload(context.Background(), cfg.Download, logger)
	if err != nil {
		fail(logger, err)
	}
	defer backend.Close()

	scripts, err := fsroot.New(cfg.ScriptsDir, fsroot.ReadOnly)
	if err != nil {
		logger.Warn("scripts directory unavailable", zap.String("dir", cfg.ScriptsDir), zap.Error(err))
	}

	srv := newServer(backend.capability, scripts, cfg.Timeout, cfg.Server.RunTTL, logger)
	defer srv.runs.stopAll()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("server listening", zap.String("addr", addr), zap.Strings("schemes", backend.registry.List()))
	fmt.Fprintf(os.Stderr, "luaplug server listening on %s\n", addr)
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		srv.runs.stopAll()
		backend.Close()
		fail(logger, err)
	}
}
