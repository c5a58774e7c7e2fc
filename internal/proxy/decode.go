package proxy

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// canDecode reports whether a Content-Encoding value can be removed before
// injection. Empty and identity encodings need no decoding.
func canDecode(encoding string) bool {
	for _, enc := range splitEncodings(encoding) {
		switch enc {
		case "identity", "gzip", "x-gzip", "deflate", "br", "zstd":
		default:
			return false
		}
	}
	return true
}

func splitEncodings(encoding string) []string {
	var out []string
	for _, part := range strings.Split(encoding, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decodeBody undoes every listed content coding of raw. exceeded reports
// that the decoded body grew past limit.
func decodeBody(raw []byte, encoding string, limit int64) (data []byte, exceeded bool, err error) {
	encodings := splitEncodings(encoding)
	// Codings are listed in the order they were applied.
	for i := len(encodings) - 1; i >= 0; i-- {
		raw, err = decodeOne(raw, encodings[i], limit)
		if err != nil {
			return nil, false, err
		}
		if int64(len(raw)) > limit {
			return nil, true, nil
		}
	}
	return raw, false, nil
}

func decodeOne(data []byte, encoding string, limit int64) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "identity":
		return data, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if out, err := readZlib(data, limit); err == nil {
			return out, nil
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(bytes.NewReader(data))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	return out, nil
}

func readZlib(data []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, limit+1))
}
