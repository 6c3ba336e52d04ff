package response

import (
	"compress/flate"
	"compress/gzip"
	"compress/lzw"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// ErrBodyTooLarge is returned when a downstream body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Processor reads and decompresses downstream response bodies.
type Processor struct {
	maxBodySize int64
}

// NewProcessor creates a processor; maxBodySize <= 0 disables the limit.
func NewProcessor(maxBodySize int64) *Processor {
	return &Processor{maxBodySize: maxBodySize}
}

// DecompressReader 根据 Content-Encoding 返回解压缩读取器，无压缩时返回原始读取器
func (p *Processor) DecompressReader(resp *http.Response) (io.ReadCloser, error) {
	contentEncoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch contentEncoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return &wrappedReadCloser{reader: gzipReader, closers: []io.Closer{gzipReader, resp.Body}}, nil
	case "deflate":
		flateReader := flate.NewReader(resp.Body)
		return &wrappedReadCloser{reader: flateReader, closers: []io.Closer{flateReader, resp.Body}}, nil
	case "br":
		return &wrappedReadCloser{reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, nil
	case "compress":
		lzwReader := lzw.NewReader(resp.Body, lzw.MSB, 8)
		return &wrappedReadCloser{reader: lzwReader, closers: []io.Closer{lzwReader, resp.Body}}, nil
	default:
		slog.Warn(fmt.Sprintf("⚠️ [解压] 未知的内容编码: %s, 使用原始内容", contentEncoding))
		return resp.Body, nil
	}
}

// ReadBody reads the full (decompressed) body, enforcing the size limit.
// Content-Encoding and Content-Length are removed from resp.Header when the
// body was decoded.
func (p *Processor) ReadBody(resp *http.Response) ([]byte, error) {
	reader, err := p.DecompressReader(resp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var src io.Reader = reader
	if p.maxBodySize > 0 {
		src = io.LimitReader(reader, p.maxBodySize+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if p.maxBodySize > 0 && int64(len(body)) > p.maxBodySize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, p.maxBodySize)
	}

	if reader != resp.Body {
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
	}
	return body, nil
}

// wrappedReadCloser closes the decoder and the underlying body.
type wrappedReadCloser struct {
	reader  io.Reader
	closers []io.Closer
}

func (w *wrappedReadCloser) Read(p []byte) (int, error) {
	return w.reader.Read(p)
}

func (w *wrappedReadCloser) Close() error {
	var first error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
