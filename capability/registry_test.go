package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticDownloader(body string) Downloader {
	return DownloaderFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Status: 200, Body: []byte(body)}, nil
	})
}

func TestRegistryDispatchesByScheme(t *testing.T) {
	reg := NewRegistry()
	reg.Register("https", staticDownloader("web"))
	reg.Register("STEAM", staticDownloader("plugin"))

	resp, err := reg.Download(context.Background(), Request{URL: "https://example.com/x"})
	require.NoError(t, err)
	assert.Equal(t, "web", string(resp.Body))

	resp, err = reg.Download(context.Background(), Request{URL: "steam://appid/10"})
	require.NoError(t, err)
	assert.Equal(t, "plugin", string(resp.Body))
}

func TestRegistryUnknownScheme(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Download(context.Background(), Request{URL: "gopher://example.com"})
	assert.EqualError(t, err, "unsupported scheme: gopher")
}

func TestRegistryInvalidURL(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Download(context.Background(), Request{URL: "no-scheme"})
	assert.EqualError(t, err, "invalid url")
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.Register("https", staticDownloader(""))
	reg.Register("http", staticDownloader(""))

	assert.Equal(t, []string{"http", "https"}, reg.List())
}
