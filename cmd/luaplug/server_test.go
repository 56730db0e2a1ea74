package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/luaplug/capability"
	"github.com/caffeineduck/luaplug/internal/fsroot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	*httptest.Server
	srv       *server
	downloads *atomic.Int32
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "fetch.lua"), []byte(`local body, status = download("https://example.com/app")
print(body)
return status`), 0o644)
	os.WriteFile(filepath.Join(dir, "loop.lua"), []byte(`while true do end`), 0o644)
	os.WriteFile(filepath.Join(dir, "broken.lua"), []byte(`return "x`), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`not a script`), 0o644)

	scripts, err := fsroot.New(dir, fsroot.ReadOnly)
	require.NoError(t, err)

	var downloads atomic.Int32
	d := capability.DownloaderFunc(func(ctx context.Context, req capability.Request) (*capability.Response, error) {
		downloads.Add(1)
		return &capability.Response{Status: 200, Body: []byte("payload")}, nil
	})

	srv := newServer(capability.NewDownload(d, nil), scripts, 5*time.Second, time.Minute, zap.NewNop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(func() {
		ts.Close()
		srv.runs.stopAll()
	})
	return &testServer{Server: ts, srv: srv, downloads: &downloads}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func doRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func getRun(t *testing.T, ts *testServer, id string) runStatusResponse {
	t.Helper()
	resp := doRequest(t, http.MethodGet, ts.URL+"/runs/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[runStatusResponse](t, resp)
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExecuteCode(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/execute", `{"code": "print('hello') return 1+1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[executeResponse](t, resp)
	require.Empty(t, result.Error)
	assert.Equal(t, "hello\n", result.Output)
	assert.Equal(t, []string{"2"}, result.Returns)
}

func TestExecuteScript(t *testing.T) {
	ts := setupTestServer(t)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/execute", `{"script": "fetch.lua"}`)
		result := decode[executeResponse](t, resp)
		require.Empty(t, result.Error)
		assert.Equal(t, "payload\n", result.Output)
		assert.Equal(t, []string{"200"}, result.Returns)
	}

	assert.Equal(t, int32(2), ts.downloads.Load())
	assert.Equal(t, 1, ts.srv.chunks.Len(), "script should be compiled once")
}

func TestExecuteCompileError(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/execute", `{"script": "broken.lua"}`)
	result := decode[executeResponse](t, resp)
	assert.Equal(t, "compile error", result.Kind)
	assert.NotEmpty(t, result.Error)
}

func TestExecuteTimeout(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/execute", `{"script": "loop.lua", "timeout": "50ms"}`)
	result := decode[executeResponse](t, resp)
	assert.Equal(t, "timeout", result.Kind)
}

func TestExecuteZeroTimeoutKeepsLimit(t *testing.T) {
	ts := setupTestServer(t)
	ts.srv.timeout = 50 * time.Millisecond

	resp := postJSON(t, ts.URL+"/execute", `{"script": "loop.lua", "timeout": "0s"}`)
	result := decode[executeResponse](t, resp)
	assert.Equal(t, "timeout", result.Kind)
}

func TestRequestTimeoutCannotLiftLimit(t *testing.T) {
	srv := newServer(nil, nil, 5*time.Second, time.Minute, zap.NewNop())
	defer srv.runs.stopAll()

	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"50ms", 50 * time.Millisecond},
		{"0s", 5 * time.Second},
		{"-1s", 5 * time.Second},
		{"1h", 5 * time.Second},
	}
	for _, tt := range tests {
		got, err := srv.requestTimeout(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := srv.requestTimeout("soon")
	assert.Error(t, err)

	unlimited := newServer(nil, nil, 0, time.Minute, zap.NewNop())
	defer unlimited.runs.stopAll()
	got, err := unlimited.requestTimeout("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, got, "without a server limit the request decides")
}

func TestExecuteBadRequests(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
		{"both", `{"code": "return 1", "script": "fetch.lua"}`, http.StatusBadRequest},
		{"missing script", `{"script": "nope.lua"}`, http.StatusNotFound},
		{"escape", `{"script": "../../etc/passwd"}`, http.StatusNotFound},
		{"bad timeout", `{"code": "return 1", "timeout": "soon"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/execute", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestCheckDoesNotRun(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/check", `{"script": "fetch.lua"}`)
	result := decode[checkResponse](t, resp)
	assert.True(t, result.OK)
	assert.Zero(t, ts.downloads.Load(), "check must not run the script")

	resp = postJSON(t, ts.URL+"/check", `{"code": "return (" }`)
	result = decode[checkResponse](t, resp)
	assert.False(t, result.OK)
	assert.Equal(t, "compile error", result.Kind)
}

func TestRunLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/runs", `{"script": "loop.lua"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decode[startRunResponse](t, resp).RunID
	require.NotEmpty(t, id)

	status := getRun(t, ts, id)
	assert.Equal(t, runRunning, status.Status)
	assert.Equal(t, 0, status.StopFlag)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/runs/"+id)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "deleting a running run should conflict")

	stopResp := postJSON(t, ts.URL+"/runs/"+id+"/stop", ``)
	assert.Equal(t, 1, decode[runStatusResponse](t, stopResp).StopFlag)

	run, _ := ts.srv.runs.get(id)
	select {
	case <-run.done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	status = getRun(t, ts, id)
	assert.Equal(t, runStopped, status.Status)
	assert.Contains(t, status.Error, "Execution stopped by user")

	resp = doRequest(t, http.MethodDelete, ts.URL+"/runs/"+id)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+"/runs/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunFinishes(t *testing.T) {
	ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/runs", `{"code": "print('done') return 'x'"}`)
	id := decode[startRunResponse](t, resp).RunID

	run, _ := ts.srv.runs.get(id)
	<-run.done

	status := getRun(t, ts, id)
	assert.Equal(t, runFinished, status.Status)
	assert.Equal(t, "done\n", status.Output)
	assert.Equal(t, []string{"x"}, status.Returns)
}

func TestRunExpiry(t *testing.T) {
	rm := newRunManager(time.Minute)
	defer rm.stopAll()

	r := rm.start("x.lua")
	r.finish(nil, context.Canceled)

	rm.expire(time.Now())
	_, ok := rm.get(r.id)
	require.True(t, ok, "run expired too early")

	rm.expire(time.Now().Add(2 * time.Minute))
	_, ok = rm.get(r.id)
	assert.False(t, ok, "run should expire")
}

func TestListScripts(t *testing.T) {
	ts := setupTestServer(t)

	resp := doRequest(t, http.MethodGet, ts.URL+"/scripts")
	entries := decode[[]fsroot.Entry](t, resp)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"broken.lua", "fetch.lua", "loop.lua"}, names)
}
