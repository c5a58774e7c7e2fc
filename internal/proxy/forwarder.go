package proxy

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// HTTPForwarder performs request/response cycles against a dev server.
type HTTPForwarder struct {
	client      *http.Client
	policy      HeaderPolicy
	maxBodySize int64
	maxHTMLSize int64
	logger      *slog.Logger
}

func newHTTPForwarder(cfg Config, logger *slog.Logger) *HTTPForwarder {
	transport := &http.Transport{
		// Dev servers are always local; never route through an env proxy.
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
		// Accept-Encoding is forwarded from the browser as-is.
		DisableCompression: true,
	}

	return &HTTPForwarder{
		client: &http.Client{
			Transport: transport,
			// Redirects go back to the browser so the next hop is proxied too.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		policy:      cfg.Policy,
		maxBodySize: cfg.MaxBodySize,
		maxHTMLSize: cfg.MaxHTMLSize,
		logger:      logger,
	}
}

// Forward proxies r to target and writes the upstream response to w.
func (f *HTTPForwarder) Forward(w http.ResponseWriter, r *http.Request, target Target, exchangeID string) {
	start := time.Now()
	log := f.logger.With("exchange", exchangeID, "method", r.Method, "target", target.Port, "path", target.SubPath)

	body, contentLength, err := f.requestBody(r)
	if err != nil {
		log.Warn("rejecting request body", "error", err)
		writeError(w, err)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.HTTPURL(), body)
	if err != nil {
		log.Error("failed to build upstream request", "error", err)
		writeError(w, newError(KindBadRequest, "cannot build upstream request", err))
		return
	}
	upstreamReq.ContentLength = contentLength
	f.policy.ForwardRequestHeaders(upstreamReq.Header, r.Header)
	setForwardedHeaders(upstreamReq.Header, r)

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		perr := classifyUpstreamError(err)
		log.Warn("upstream request failed", "kind", perr.Kind, "error", err, "duration", time.Since(start))
		writeError(w, perr)
		return
	}
	defer resp.Body.Close()

	var written int64
	if f.shouldInstrument(r, resp) {
		written, err = f.writeHTML(w, resp)
	} else {
		written, err = f.stream(w, r, resp)
	}
	if err != nil {
		log.Debug("response forwarding ended early", "status", resp.StatusCode, "bytes", written, "error", err)
		return
	}

	log.Debug("proxied request",
		"status", resp.StatusCode,
		"bytes", written,
		"duration", time.Since(start),
	)
}

// requestBody returns the body to send upstream. Bodies over the limit are
// rejected before any upstream connection is made.
func (f *HTTPForwarder) requestBody(r *http.Request) (io.Reader, int64, error) {
	if r.ContentLength > f.maxBodySize {
		return nil, 0, newError(KindPayloadTooLarge, "request body exceeds "+strconv.FormatInt(f.maxBodySize, 10)+" bytes", nil)
	}
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil, 0, nil
	}
	if r.ContentLength > 0 {
		// The server already bounds reads to the declared length.
		return r.Body, r.ContentLength, nil
	}

	// Unknown length: buffer up to the limit so an oversized body never
	// reaches the dev server.
	data, err := io.ReadAll(io.LimitReader(r.Body, f.maxBodySize+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, 0, newError(KindPayloadTooLarge, "request body too large", err)
		}
		return nil, 0, newError(KindBadRequest, "failed to read request body", err)
	}
	if int64(len(data)) > f.maxBodySize {
		return nil, 0, newError(KindPayloadTooLarge, "request body exceeds "+strconv.FormatInt(f.maxBodySize, 10)+" bytes", nil)
	}
	if len(data) == 0 {
		return nil, 0, nil
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

// shouldInstrument reports whether the response body gets the devtools script.
func (f *HTTPForwarder) shouldInstrument(r *http.Request, resp *http.Response) bool {
	if r.Method == http.MethodHead {
		return false
	}
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	if resp.StatusCode < 200 {
		return false
	}
	return ShouldInject(resp.Header.Get("Content-Type")) && canDecode(resp.Header.Get("Content-Encoding"))
}

// writeHTML buffers an HTML response, injects the devtools script and writes
// it with a recomputed Content-Length.
func (f *HTTPForwarder) writeHTML(w http.ResponseWriter, resp *http.Response) (int64, error) {
	encoding := resp.Header.Get("Content-Encoding")

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxHTMLSize+1))
	if err != nil {
		perr := classifyUpstreamError(err)
		if perr.Kind == KindUpstreamUnreachable {
			perr = newError(KindMalformedUpstream, "dev server closed the response early", err)
		}
		writeError(w, perr)
		return 0, err
	}

	if int64(len(raw)) > f.maxHTMLSize {
		f.logger.Warn("html response too large to instrument, passing through", "limit", f.maxHTMLSize)
		return f.passthrough(w, resp, io.MultiReader(bytes.NewReader(raw), resp.Body))
	}

	decoded, exceeded, err := decodeBody(raw, encoding, f.maxHTMLSize)
	if err != nil {
		writeError(w, newError(KindMalformedUpstream, "dev server sent an undecodable html body", err))
		return 0, err
	}
	if exceeded {
		f.logger.Warn("decoded html response too large to instrument, passing through", "limit", f.maxHTMLSize)
		return f.passthrough(w, resp, bytes.NewReader(raw))
	}

	modified := InjectDevtools(decoded)

	h := w.Header()
	f.policy.CopyResponseHeaders(h, resp.Header)
	h.Del("Content-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(modified)))
	w.WriteHeader(resp.StatusCode)

	n, err := w.Write(modified)
	return int64(n), err
}

// passthrough writes resp unmodified apart from header policy, reading the
// body from body.
func (f *HTTPForwarder) passthrough(w http.ResponseWriter, resp *http.Response, body io.Reader) (int64, error) {
	f.policy.CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	return copyFlush(w, body)
}

// stream forwards a response without buffering the body.
func (f *HTTPForwarder) stream(w http.ResponseWriter, r *http.Request, resp *http.Response) (int64, error) {
	f.policy.CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return 0, nil
	}
	return copyFlush(w, resp.Body)
}

// copyFlush copies src to w, flushing after each chunk so slow streams such
// as server-sent events reach the browser as they arrive.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			total += int64(written)
			if err != nil {
				return total, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
