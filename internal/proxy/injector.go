package proxy

import (
	"mime"
	"strings"

	"github.com/standardbeagle/previewd/internal/proxy/scripts"
)

var bodyCloseTag = []byte("</body>")

// InjectScript inserts tag immediately before the first case-insensitive
// </body> in body. Documents without one get the tag appended.
func InjectScript(body []byte, tag string) []byte {
	result := make([]byte, 0, len(body)+len(tag))
	idx := indexFoldASCII(body, bodyCloseTag)
	if idx == -1 {
		result = append(result, body...)
		return append(result, tag...)
	}
	result = append(result, body[:idx]...)
	result = append(result, tag...)
	return append(result, body[idx:]...)
}

// InjectDevtools inserts the devtools script tag into an HTML document.
func InjectDevtools(body []byte) []byte {
	return InjectScript(body, scripts.InjectedTag())
}

// indexFoldASCII is bytes.Index with ASCII case folding. Byte offsets are
// preserved, unlike searching a lower-cased copy of non-ASCII text.
func indexFoldASCII(s, sep []byte) int {
	n := len(sep)
	for i := 0; i+n <= len(s); i++ {
		match := true
		for j := 0; j < n; j++ {
			if lowerASCII(s[i+j]) != lowerASCII(sep[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func lowerASCII(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// ShouldInject reports whether a response with this Content-Type is HTML.
// Parameters such as charset are ignored.
func ShouldInject(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.HasPrefix(strings.ToLower(mediaType), "text/html")
}
