package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/luaplug/internal/fsroot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func newState(t *testing.T, c Capability) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	L.SetGlobal(DownloadName, L.NewFunction(c.Invoke))
	return L
}

func TestDownloadReturnsBodyAndStatus(t *testing.T) {
	var got Request
	d := DownloaderFunc(func(ctx context.Context, req Request) (*Response, error) {
		got = req
		return &Response{Status: 200, Body: []byte("hello")}, nil
	})

	L := newState(t, NewDownload(d, nil))
	require.NoError(t, L.DoString(`body, status = download("https://example.com/a", nil, {Accept = "text/plain"})`))

	assert.Equal(t, "hello", L.GetGlobal("body").String())
	assert.Equal(t, lua.LNumber(200), L.GetGlobal("status"))
	assert.Equal(t, "https://example.com/a", got.URL)
	assert.Equal(t, "text/plain", got.Headers["Accept"])
}

func TestDownloadFailureReturnsNilAndMessage(t *testing.T) {
	d := DownloaderFunc(func(ctx context.Context, req Request) (*Response, error) {
		return nil, errors.New("host not allowed: evil.com")
	})

	L := newState(t, NewDownload(d, nil))
	require.NoError(t, L.DoString(`body, msg = download("https://evil.com")`))

	assert.Equal(t, lua.LNil, L.GetGlobal("body"))
	assert.Equal(t, "host not allowed: evil.com", L.GetGlobal("msg").String())
}

func TestDownloadWritesDestination(t *testing.T) {
	dir := t.TempDir()
	root, err := fsroot.New(dir, fsroot.ReadWriteCreate)
	require.NoError(t, err)

	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 'j', 'p', 'e', 'g'}
	d := DownloaderFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Status: 200, Body: jpeg}, nil
	})

	L := newState(t, NewDownload(d, root))
	require.NoError(t, L.DoString(`path, n = download("https://cdn.example.com/10.jpg", "icons/10.jpg")`))

	assert.Equal(t, "icons/10.jpg", L.GetGlobal("path").String())
	assert.Equal(t, lua.LNumber(8), L.GetGlobal("n"))

	content, err := os.ReadFile(filepath.Join(dir, "icons", "10.jpg"))
	require.NoError(t, err)
	assert.Equal(t, jpeg, content)
}

func TestDownloadDestinationRejectsBadStatus(t *testing.T) {
	root, _ := fsroot.New(t.TempDir(), fsroot.ReadWriteCreate)
	d := DownloaderFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Status: 404, Body: []byte("missing")}, nil
	})

	L := newState(t, NewDownload(d, root))
	require.NoError(t, L.DoString(`path, msg = download("https://x.test/a", "a.bin")`))
	assert.Equal(t, "download failed: status 404", L.GetGlobal("msg").String())
}

func TestDownloadDestinationWithoutStore(t *testing.T) {
	L := newState(t, NewDownload(staticDownloader("x"), nil))
	require.NoError(t, L.DoString(`path, msg = download("https://x.test/a", "a.bin")`))
	assert.Equal(t, "download destination not configured", L.GetGlobal("msg").String())
}

func TestDownloadRaisesWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := DownloaderFunc(func(ctx context.Context, req Request) (*Response, error) {
		cancel()
		return nil, ctx.Err()
	})

	L := newState(t, NewDownload(d, nil))
	// Set the context only after the script is loaded so the VM does not stop
	// before reaching the call.
	fn, err := L.LoadString(`download("https://x.test/slow") ; reached = true`)
	require.NoError(t, err)
	L.SetContext(ctx)
	L.Push(fn)

	assert.Error(t, L.PCall(0, lua.MultRet, nil))
	assert.NotEqual(t, lua.LTrue, L.GetGlobal("reached"), "script continued after cancellation")
}

func TestDownloadRequiresURL(t *testing.T) {
	L := newState(t, NewDownload(staticDownloader("x"), nil))
	assert.Error(t, L.DoString(`download()`))
}
