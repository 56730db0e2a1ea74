package capability

// Request describes one download.
type Request struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Response is what a backend returns for a Request.
type Response struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"-"`
	Headers map[string]string `json:"headers,omitempty"`
}

// OK reports whether Status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Guest wire types for the wasm backend. Body travels base64 encoded.

type wasmResponse struct {
	Status  int               `json:"status"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
	Error   string            `json:"error,omitempty"`
}
