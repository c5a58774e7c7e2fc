package proxy

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/standardbeagle/previewd/internal/proxy/scripts"
)

// Relay page query parameters.
const (
	pathParam    = "path"
	refreshParam = "_refresh"
)

var relayTemplate = template.Must(template.New("relay").Parse(scripts.RelayPage()))

// relayPage is the data rendered into the relay template.
type relayPage struct {
	Src string
}

// RelaySource builds the inner iframe URL for a relay request: the dev
// server entry path, the path's own query, then target and the refresh key.
func RelaySource(port uint16, path, refresh string) (string, error) {
	if path == "" {
		path = "/"
	}
	u, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("%w: invalid %q parameter", ErrBadRequest, pathParam)
	}
	if u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return "", fmt.Errorf("%w: %q must be a path, not a URL", ErrBadRequest, pathParam)
	}

	escaped := u.EscapedPath()
	if !strings.HasPrefix(escaped, "/") {
		escaped = "/" + escaped
	}

	var sb strings.Builder
	sb.WriteString(DevServerPrefix)
	sb.WriteString(escaped)
	sb.WriteByte('?')
	if q := stripQueryParam(u.RawQuery, targetParam); q != "" {
		sb.WriteString(q)
		sb.WriteByte('&')
	}
	sb.WriteString(targetParam)
	sb.WriteByte('=')
	sb.WriteString(strconv.Itoa(int(port)))
	if refresh != "" {
		sb.WriteString("&" + refreshParam + "=")
		sb.WriteString(url.QueryEscape(refresh))
	}
	if u.Fragment != "" {
		sb.WriteByte('#')
		sb.WriteString(u.EscapedFragment())
	}
	return sb.String(), nil
}

// renderRelay renders the relay page for an iframe source.
func renderRelay(src string) ([]byte, error) {
	var buf bytes.Buffer
	if err := relayTemplate.Execute(&buf, relayPage{Src: src}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// handleRelay serves GET /proxy.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, newError(KindMethodNotAllowed, "relay page only supports GET", nil))
		return
	}

	query := r.URL.Query()
	port, err := parsePortParam(query.Get(targetParam))
	if err != nil {
		writeError(w, badRequest(err))
		return
	}
	src, err := RelaySource(port, query.Get(pathParam), query.Get(refreshParam))
	if err != nil {
		writeError(w, badRequest(err))
		return
	}

	page, err := renderRelay(src)
	if err != nil {
		s.logger.Error("failed to render relay page", "error", err)
		writeError(w, newError(KindInternal, "failed to render relay page", err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(page)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(page)
	}
	s.logger.Debug("served relay page", "target", port, "src", src)
}
