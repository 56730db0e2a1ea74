// Package capability provides the native functions a script host exposes to
// Lua code.
//
// A script host binds exactly one capability, conventionally under the global
// name "download". The host only knows the [Capability] contract: the
// function receives the interpreter state unchanged and returns how many
// results it pushed. Everything behind that boundary is pluggable.
//
// # Download
//
// [NewDownload] adapts any [Downloader] to the Lua calling convention:
//
//	download(url [, dest [, headers]])
//
// Without dest it returns body and status. With dest the body is written
// below a [Store] and it returns dest and the byte count. Failures return nil
// and a message, like io.open. If the script's execution context has ended
// (stop flag, timeout) the call raises an error instead, so the script stops.
//
// # Backends
//
// HTTP: allow-listed network access via [HTTP] and [HTTPConfig].
//
//	http := capability.NewHTTP(capability.HTTPConfig{
//	    AllowedHosts: []string{"store.steampowered.com"},
//	})
//
// WebAssembly: a guest module behind a packed pointer ABI via [Wasm].
//
//	w, _ := capability.LoadWasm(ctx, "download.wasm")
//	defer w.Close(ctx)
//
// Scheme dispatch: [Registry] routes a request to a backend by URL scheme.
//
//	reg := capability.NewRegistry()
//	reg.Register("https", http)
//	reg.Register("steam", w)
//	h := host.New(host.WithDownload(capability.NewDownload(reg, store)))
package capability
