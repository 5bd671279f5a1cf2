package format

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
)

// sniffLen is how much of a value Sniff looks at.
const sniffLen = 4100

// Sniff guesses the ID of an untyped value, as piped into the CLI or posted
// without a format. Binary signatures win; valid UTF-8 falls back to Text.
func Sniff(b []byte) ID {
	head := b
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		return ID(kind.MIME.Value)
	}
	mime, _, _ := strings.Cut(http.DetectContentType(head), ";")
	switch mime {
	case "text/html":
		return HTML
	case "text/plain":
		return Text
	case "application/octet-stream":
		if utf8.Valid(head) {
			return Text
		}
	}
	return ID(mime)
}
