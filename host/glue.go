package host

import "context"

// RunFile creates a Host, executes the script at path, and closes the Host on
// every path.
func RunFile(ctx context.Context, path string, opts ...Option) (*Result, error) {
	h := New(opts...)
	defer h.Close()
	return h.ExecuteFile(ctx, path)
}

// CheckFile reports whether the script at path compiles. Nothing is run.
func CheckFile(path string) error {
	_, err := CompileFile(path)
	return err
}
