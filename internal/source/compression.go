// internal/source/compression.go
package source

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding is what a current browser advertises to a static host.
const acceptEncoding = "br, gzip, deflate"

// decoders turn one Content-Encoding layer into a plain stream.
var decoders = map[string]func(io.Reader) (io.ReadCloser, error){
	"gzip":    func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
	"br":      func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(brotli.NewReader(r)), nil },
	"deflate": inflate,
}

// decompressingTransport requests compressed pages and decodes them, so the
// source check sees the bytes the browser sees from a host that prefers brotli.
type decompressingTransport struct {
	next http.RoundTripper
}

func newDecompressingTransport(next http.RoundTripper) *decompressingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decompressingTransport{next: next}
}

func (d *decompressingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := d.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := unwrapEncodings(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp, nil
}

// stackedBody closes every decoder layer and then the network body.
type stackedBody struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedBody) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// unwrapEncodings decodes the layers listed in Content-Encoding, the last
// applied first, and clears the headers that described the encoded form.
func unwrapEncodings(resp *http.Response) error {
	if resp.Body == nil {
		return nil
	}
	var layers []string
	for _, v := range resp.Header.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			if enc := strings.ToLower(strings.TrimSpace(part)); enc != "" && enc != "identity" {
				layers = append(layers, enc)
			}
		}
	}
	if len(layers) == 0 {
		return nil
	}

	// A 204, a 304 or a HEAD answer carries the header with no bytes behind it.
	raw := bufio.NewReader(resp.Body)
	body := &stackedBody{Reader: raw, closers: []io.Closer{resp.Body}}
	if _, err := raw.Peek(1); errors.Is(err, io.EOF) {
		layers = nil
	}
	for i := len(layers) - 1; i >= 0; i-- {
		decode, ok := decoders[layers[i]]
		if !ok {
			return fmt.Errorf("unsupported Content-Encoding %q", layers[i])
		}
		rc, err := decode(body.Reader)
		if err != nil {
			return fmt.Errorf("%s: %w", layers[i], err)
		}
		body.Reader = rc
		body.closers = append(body.closers, rc)
	}

	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// inflate accepts zlib wrapped and raw deflate streams alike; servers disagree
// about which one "deflate" names.
func inflate(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err == nil && isZlibHeader(head[0], head[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

// isZlibHeader checks the RFC 1950 CMF/FLG pair: deflate method and a
// header checksum divisible by 31.
func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
