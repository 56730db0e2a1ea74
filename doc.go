// Package luaplug hosts Lua scripts with a single native capability and
// cooperative cancellation.
//
// # Overview
//
// A host owns one Lua interpreter with the standard libraries loaded. Scripts
// reach the outside world only through the download function, which is
// backed by whatever [capability.Downloader] the embedder registers. A stop
// flag shared with the host interrupts a running script between instructions.
//
// # Basic Usage
//
//	h := host.New(
//	    host.WithDownload(capability.NewDownload(capability.NewHTTP(capability.HTTPConfig{
//	        AllowedHosts: []string{"api.example.com"},
//	    }), nil)),
//	)
//	defer h.Close()
//
//	res, err := h.ExecuteFile(ctx, "script.lua")
//
// # Stopping
//
//	flag := stopflag.New()
//	h := host.New(host.WithStopFlag(flag))
//	go func() { time.Sleep(time.Second); flag.Set(true) }()
//	_, err := h.ExecuteFile(ctx, "loop.lua") // errors.Is(err, host.ErrStopped)
//
// # Compile Only
//
//	chunk, err := h.LoadFile("script.lua") // syntax check, nothing runs
//
// See the [host], [capability], and [stopflag] packages for detailed API
// documentation, and cmd/luaplug for the command line front end.
package luaplug
