// Package decodebody decodes compressed service responses so that later
// handlers see plain bodies.
package decodebody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/app"
	"github.com/wudi/relay/internal/pipeline"
)

// DefaultMaxDecodedSize is the zip bomb protection limit (50 MB).
const DefaultMaxDecodedSize int64 = 50 << 20

const name = "decodeBody"

// ErrTooLarge is returned when a decoded body exceeds the size limit.
var ErrTooLarge = errors.New("decoded body exceeds maximum size")

// Decoder decodes gzip, deflate, br and zstd bodies.
type Decoder struct {
	maxSize  int64
	zstdPool sync.Pool

	decoded atomic.Int64
	failed  atomic.Int64
}

// NewDecoder creates a decoder. A non-positive maxSize selects
// DefaultMaxDecodedSize.
func NewDecoder(maxSize int64) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxDecodedSize
	}
	d := &Decoder{maxSize: maxSize}
	d.zstdPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return d
}

// Supports reports whether encoding can be decoded.
func Supports(encoding string) bool {
	switch normalize(encoding) {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

func normalize(encoding string) string {
	return strings.ToLower(strings.TrimSpace(encoding))
}

// Decode returns data decoded from encoding.
func (d *Decoder) Decode(data []byte, encoding string) ([]byte, error) {
	out, err := d.decode(data, normalize(encoding))
	if err != nil {
		d.failed.Add(1)
		return nil, err
	}
	d.decoded.Add(1)
	return out, nil
}

func (d *Decoder) decode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return d.readAll(r)
	case "deflate":
		// Servers disagree on whether deflate means zlib or raw deflate.
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			raw := flate.NewReader(bytes.NewReader(data))
			defer raw.Close()
			return d.readAll(raw)
		}
		defer r.Close()
		return d.readAll(r)
	case "br":
		return d.readAll(brotli.NewReader(bytes.NewReader(data)))
	case "zstd":
		dec := d.zstdPool.Get().(*zstd.Decoder)
		defer d.zstdPool.Put(dec)
		if err := dec.Reset(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return d.readAll(dec)
	}
	return nil, fmt.Errorf("unsupported encoding: %s", encoding)
}

func (d *Decoder) readAll(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(&limitedReader{r: r, n: d.maxSize})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns decode counters.
func (d *Decoder) Stats() map[string]interface{} {
	return map[string]interface{}{
		"decoded": d.decoded.Load(),
		"failed":  d.failed.Load(),
	}
}

// limitedReader fails once more than n bytes were read.
type limitedReader struct {
	r io.Reader
	n int64
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	lr.n -= int64(n)
	if lr.n < 0 {
		return 0, ErrTooLarge
	}
	return n, err
}

// Extension decodes service response bodies.
type Extension struct {
	decoder *Decoder
}

// New creates the extension with the default size limit.
func New() *Extension {
	return &Extension{decoder: NewDecoder(0)}
}

func (e *Extension) Name() string { return name }

func (e *Extension) Init(_ context.Context, a *app.App) error {
	a.OnModifyServiceResponseBody.Tap(name, e.decode)
	return nil
}

// Decoder returns the decoder used by the extension.
func (e *Extension) Decoder() *Decoder {
	return e.decoder
}

// Stats returns decode counters.
func (e *Extension) Stats() map[string]interface{} {
	return e.decoder.Stats()
}

func (e *Extension) decode(_ context.Context, c *pipeline.ServiceResponse) (*pipeline.ServiceResponse, error) {
	if !c.ServiceResponseHasBody || c.ServiceResponseHeaders == nil {
		return c, nil
	}
	h := c.ServiceResponseHeaders
	h.Del("content-length")

	encoding := h.Get("content-encoding")
	if !Supports(encoding) {
		return c, nil
	}
	body, err := e.decoder.Decode(c.ServiceResponseBody, encoding)
	if err != nil {
		c.Log().Error("Failed to decode response body, leaving it untouched",
			zap.String("encoding", encoding),
			zap.Error(err),
		)
		return c, nil
	}
	c.ServiceResponseBody = body
	h.Set("content-encoding", "identity")
	return c, nil
}
