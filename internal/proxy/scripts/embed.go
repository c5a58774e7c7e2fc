// Package scripts provides the embedded relay page and the devtools script
// injected into proxied HTML.
package scripts

import (
	_ "embed"
	"strings"
	"sync"
)

var (
	//go:embed relay.html
	relayHTML string

	//go:embed devtools.js
	devtoolsJS string
)

// MarkerAttribute identifies the injected script tag.
const MarkerAttribute = "data-preview-devtools"

var (
	cachedTag     string
	cachedTagOnce sync.Once
)

// RelayPage returns the relay page template source.
func RelayPage() string {
	return relayHTML
}

// DevtoolsScript returns the raw devtools JavaScript.
func DevtoolsScript() string {
	return devtoolsJS
}

// InjectedTag returns the complete script tag inserted into HTML responses.
func InjectedTag() string {
	cachedTagOnce.Do(func() {
		var sb strings.Builder
		sb.WriteString("<script ")
		sb.WriteString(MarkerAttribute)
		sb.WriteString(">")
		sb.WriteString(strings.TrimSpace(devtoolsJS))
		sb.WriteString("</script>")
		cachedTag = sb.String()
	})
	return cachedTag
}
