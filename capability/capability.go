package capability

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// DownloadName is the global name scripts call the download capability by.
const DownloadName = "download"

// Capability is a native function callable from Lua. Invoke receives the
// interpreter state of the calling script, reads its arguments from the
// stack, and returns the number of results it pushed.
type Capability interface {
	Invoke(L *lua.LState) int
}

// Func adapts a plain function to Capability.
type Func func(L *lua.LState) int

// Invoke calls f(L).
func (f Func) Invoke(L *lua.LState) int {
	return f(L)
}

// Downloader fetches a resource. Implementations must honour ctx: it is the
// script's execution context and ends when the script is stopped.
type Downloader interface {
	Download(ctx context.Context, req Request) (*Response, error)
}

// DownloaderFunc adapts a plain function to Downloader.
type DownloaderFunc func(ctx context.Context, req Request) (*Response, error)

// Download calls f(ctx, req).
func (f DownloaderFunc) Download(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Store receives downloaded bodies written to a destination name.
type Store interface {
	WriteFile(name string, data []byte) (string, error)
}
