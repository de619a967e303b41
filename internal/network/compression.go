// File: internal/network/compression.go
package network

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// browserAcceptEncoding is what Chrome advertises; the site serves brotli to it.
const browserAcceptEncoding = "gzip, deflate, br"

var brotliReaderPool = sync.Pool{
	New: func() interface{} { return brotli.NewReader(nil) },
}

var emptyReader = strings.NewReader("")

// CompressionMiddleware advertises the same encodings as a desktop browser and
// decodes gzip, deflate and brotli bodies before handing the response back.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", browserAcceptEncoding)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := decompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	original io.ReadCloser
	closer   func() error
}

func (b *decodedBody) Close() error {
	var err1 error
	if b.closer != nil {
		err1 = b.closer()
		b.closer = nil
	}
	return errors.Join(err1, b.original.Close())
}

// decompressResponse swaps resp.Body for a decoding reader according to the
// Content-Encoding header and strips the now stale length headers.
func decompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var body *decodedBody
	switch encoding {
	case "", "identity":
		return nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		body = &decodedBody{Reader: zr, original: resp.Body, closer: zr.Close}
	case "deflate":
		fr := flate.NewReader(resp.Body)
		body = &decodedBody{Reader: fr, original: resp.Body, closer: fr.Close}
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(resp.Body); err != nil {
			brotliReaderPool.Put(br)
			return fmt.Errorf("brotli: %w", err)
		}
		body = &decodedBody{Reader: br, original: resp.Body, closer: func() error {
			_ = br.Reset(emptyReader)
			brotliReaderPool.Put(br)
			return nil
		}}
	default:
		return fmt.Errorf("unsupported Content-Encoding: %s", encoding)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
