package host

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Chunk is a compiled script that has not been run.
type Chunk struct {
	name  string
	proto *lua.FunctionProto
}

// Name returns the chunk name used in diagnostics.
func (c *Chunk) Name() string {
	return c.name
}

// CompileString compiles code under the given chunk name.
func CompileString(name, code string) (*Chunk, error) {
	return compile(name, strings.NewReader(code))
}

// CompileFile reads and compiles the script at path. A leading #! line is
// ignored.
func CompileFile(path string) (*Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ScriptError{
			Kind:    KindFile,
			Name:    path,
			Message: err.Error(),
			Err:     err,
		}
	}
	if bytes.HasPrefix(data, []byte("#")) {
		// Comment the line out instead of dropping it so line numbers hold.
		data = append([]byte("--"), data...)
	}
	return compile(path, bytes.NewReader(data))
}

func compile(name string, r io.Reader) (*Chunk, error) {
	stmts, err := parse.Parse(r, name)
	if err != nil {
		return nil, compileError(name, err)
	}
	proto, err := lua.Compile(stmts, name)
	if err != nil {
		return nil, compileError(name, err)
	}
	return &Chunk{name: name, proto: proto}, nil
}

func compileError(name string, err error) *ScriptError {
	return &ScriptError{
		Kind:    KindCompile,
		Name:    name,
		Message: strings.TrimSpace(err.Error()),
		Err:     err,
	}
}

// ChunkCache holds compiled chunks keyed by absolute path. An entry is
// recompiled when the file's size or modification time changes.
type ChunkCache struct {
	mu     sync.RWMutex
	chunks map[string]cachedChunk
}

type cachedChunk struct {
	chunk   *Chunk
	size    int64
	modTime time.Time
}

func NewChunkCache() *ChunkCache {
	return &ChunkCache{chunks: make(map[string]cachedChunk)}
}

// Get returns the compiled chunk for path, compiling it if needed.
func (c *ChunkCache) Get(path string) (*Chunk, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, &ScriptError{Kind: KindFile, Name: path, Message: err.Error(), Err: err}
	}
	info, err := os.Stat(key)
	if err != nil {
		return nil, &ScriptError{Kind: KindFile, Name: path, Message: err.Error(), Err: err}
	}

	c.mu.RLock()
	if e, ok := c.chunks[key]; ok && e.fresh(info) {
		c.mu.RUnlock()
		return e.chunk, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.chunks[key]; ok && e.fresh(info) {
		return e.chunk, nil
	}

	chunk, err := CompileFile(path)
	if err != nil {
		delete(c.chunks, key)
		return nil, err
	}
	c.chunks[key] = cachedChunk{chunk: chunk, size: info.Size(), modTime: info.ModTime()}
	return chunk, nil
}

// Invalidate drops the entry for path.
func (c *ChunkCache) Invalidate(path string) {
	key, err := filepath.Abs(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.chunks, key)
	c.mu.Unlock()
}

func (c *ChunkCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chunks)
}

func (e cachedChunk) fresh(info os.FileInfo) bool {
	return e.size == info.Size() && e.modTime.Equal(info.ModTime())
}
