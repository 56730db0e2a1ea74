// Package host runs Lua scripts inside a gopher-lua interpreter that exposes
// one native capability, download, and stops cooperatively when asked.
//
// # Basic Usage
//
//	h := host.New(
//	    host.WithDownload(capability.NewDownload(httpBackend, nil)),
//	    host.WithStopFlag(flag),
//	)
//	defer h.Close()
//
//	res, err := h.ExecuteFile(ctx, "fetch.lua")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Returns)
//
// A Host keeps its globals between executions, so a REPL or a long-lived
// worker can run many chunks against the same state. Executions on one Host
// are serialized; a concurrent call fails with [ErrBusy].
//
// # Cancellation
//
// Every execution runs under a context derived from the caller's. The context
// ends when the stop flag is set, the caller cancels, or the host timeout
// elapses. The interpreter checks it before each instruction and raises
// "Execution stopped by user" when the flag fired. The same context is
// available to native code through L.Context(), so a download in progress is
// aborted as well.
//
//	flag := stopflag.New()
//	go func() { <-sigCh; flag.Set(true) }()
//	_, err := h.ExecuteFile(ctx, "loop.lua")
//	errors.Is(err, host.ErrStopped) // true
//
// # Loading Without Running
//
// [CompileFile] and [Host.LoadFile] parse and compile a script into a [Chunk]
// without executing it. A Chunk is immutable and can be run any number of
// times with [Host.Run], on any Host. A [ChunkCache] shares compiled chunks
// between hosts and recompiles a file when it changes on disk.
//
// # Errors
//
// Failures are returned as [*ScriptError] with a [Kind] describing what went
// wrong. Nothing in this package prints or exits.
package host
