// Package bench measures host creation, execution, and stop latency.
//
// Run with: go test -v -run=Test ./bench/
// Benchmarks: go test -bench=. ./bench/
package bench

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/caffeineduck/luaplug/capability"
	"github.com/caffeineduck/luaplug/host"
	"github.com/caffeineduck/luaplug/stopflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const computation = `
local sum = 0
for i = 1, 1000 do sum = sum + i * i end
return sum`

func staticDownload() capability.Capability {
	return capability.NewDownload(capability.DownloaderFunc(
		func(ctx context.Context, req capability.Request) (*capability.Response, error) {
			return &capability.Response{Status: 200, Body: []byte("{}")}, nil
		}), nil)
}

// --- Cold start: new host each time ---

func BenchmarkHost_ColdStart(b *testing.B) {
	for i := 0; i < b.N; i++ {
		h := host.New(host.WithOutput(io.Discard))
		h.ExecuteString(context.Background(), "bench", "x=1")
		h.Close()
	}
}

// --- Warm start: reuse host ---

func BenchmarkHost_WarmStart(b *testing.B) {
	h := host.New(host.WithOutput(io.Discard))
	defer h.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.ExecuteString(context.Background(), "bench", "x=1")
	}
}

func BenchmarkHost_WarmStart_Precompiled(b *testing.B) {
	h := host.New(host.WithOutput(io.Discard))
	defer h.Close()
	chunk, err := host.CompileString("bench", computation)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Run(context.Background(), chunk)
	}
}

func BenchmarkHost_WarmStart_StopHook(b *testing.B) {
	h := host.New(host.WithOutput(io.Discard), host.WithStopFlag(stopflag.New()))
	defer h.Close()
	chunk, _ := host.CompileString("bench", computation)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Run(context.Background(), chunk)
	}
}

func BenchmarkHost_WarmStart_Download(b *testing.B) {
	h := host.New(host.WithOutput(io.Discard), host.WithDownload(staticDownload()))
	defer h.Close()
	chunk, _ := host.CompileString("bench", `return download("https://example.com")`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Run(context.Background(), chunk)
	}
}

func BenchmarkChunkCache_Hit(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.lua")
	os.WriteFile(path, []byte(computation), 0o644)
	cache := host.NewChunkCache()
	cache.Get(path)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Get(path)
	}
}

func BenchmarkCompile(b *testing.B) {
	for i := 0; i < b.N; i++ {
		host.CompileString("bench", computation)
	}
}

// =============================================================================
// STOP LATENCY
// =============================================================================

// TestStopLatency measures how long a tight loop keeps running after its
// flag is set.
func TestStopLatency(t *testing.T) {
	const rounds = 20
	var latencies []time.Duration

	for i := 0; i < rounds; i++ {
		flag := stopflag.New()
		h := host.New(host.WithStopFlag(flag))

		setAt := make(chan time.Time, 1)
		time.AfterFunc(5*time.Millisecond, func() {
			setAt <- time.Now()
			flag.Set(true)
		})

		_, err := h.ExecuteString(context.Background(), "spin", `while true do end`)
		stoppedAt := time.Now()
		h.Close()

		require.ErrorIs(t, err, host.ErrStopped)
		latencies = append(latencies, stoppedAt.Sub(<-setAt))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println()
	fmt.Println("=== Stop latency (flag set -> execution returns) ===")
	fmt.Printf("min: %v  p50: %v  max: %v\n", latencies[0], latencies[rounds/2], latencies[rounds-1])
	fmt.Println()

	assert.Less(t, latencies[rounds/2], time.Second, "median stop latency too high")
}

// =============================================================================
// MEMORY
// =============================================================================

func TestMemoryUsage(t *testing.T) {
	var m runtime.MemStats

	runtime.GC()
	runtime.ReadMemStats(&m)
	before := m.Alloc

	hosts := make([]*host.Host, 0, 100)
	for i := 0; i < 100; i++ {
		h := host.New(host.WithOutput(io.Discard))
		h.ExecuteString(context.Background(), "bench", computation)
		hosts = append(hosts, h)
	}

	runtime.ReadMemStats(&m)
	after := m.Alloc

	for _, h := range hosts {
		h.Close()
	}
	runtime.GC()
	runtime.ReadMemStats(&m)
	afterGC := m.Alloc

	t.Logf("Memory before: %d KB", before/1024)
	t.Logf("Memory with 100 hosts: %d KB", after/1024)
	t.Logf("Memory after close + GC: %d KB", afterGC/1024)
}
