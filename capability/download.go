package capability

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

type download struct {
	downloader Downloader
	store      Store
}

// NewDownload returns the Lua binding for d. store may be nil, in which case
// calls with a destination fail.
func NewDownload(d Downloader, store Store) Capability {
	return &download{downloader: d, store: store}
}

func (d *download) Invoke(L *lua.LState) int {
	rawURL := L.CheckString(1)
	dest := L.OptString(2, "")
	headers := L.OptTable(3, nil)

	req := Request{URL: rawURL}
	if headers != nil {
		req.Headers = make(map[string]string)
		headers.ForEach(func(k, v lua.LValue) {
			req.Headers[k.String()] = v.String()
		})
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := d.downloader.Download(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			L.RaiseError("%s", ctx.Err().Error())
			return 0
		}
		return pushFailure(L, err.Error())
	}

	if dest == "" {
		L.Push(lua.LString(resp.Body))
		L.Push(lua.LNumber(resp.Status))
		return 2
	}

	if !resp.OK() {
		return pushFailure(L, fmt.Sprintf("download failed: status %d", resp.Status))
	}
	if d.store == nil {
		return pushFailure(L, "download destination not configured")
	}
	if _, err := d.store.WriteFile(dest, resp.Body); err != nil {
		return pushFailure(L, err.Error())
	}

	L.Push(lua.LString(dest))
	L.Push(lua.LNumber(len(resp.Body)))
	return 2
}

func pushFailure(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}
