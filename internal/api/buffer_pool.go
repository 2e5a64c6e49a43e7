package api

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// maxPooledBody is the largest body buffer kept for reuse. Prompts built from
// long clause answers can exceed it; those buffers are left to the GC.
const maxPooledBody = 64 * 1024

var bodyPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// requestBody is a pooled JSON-encoded chat completion request
type requestBody struct {
	buf *bytes.Buffer
}

// encodeRequestBody renders req into a pooled buffer; call release when the
// request has been sent
func encodeRequestBody(req ChatCompletionRequest) (*requestBody, error) {
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if err := json.NewEncoder(buf).Encode(req); err != nil {
		bodyPool.Put(buf)
		return nil, err
	}
	return &requestBody{buf: buf}, nil
}

// Reader returns a fresh reader over the encoded body
func (b *requestBody) Reader() io.Reader {
	return bytes.NewReader(b.buf.Bytes())
}

// Len is the encoded size in bytes
func (b *requestBody) Len() int {
	return b.buf.Len()
}

func (b *requestBody) release() {
	if b.buf == nil {
		return
	}
	if b.buf.Cap() <= maxPooledBody {
		bodyPool.Put(b.buf)
	}
	b.buf = nil
}
