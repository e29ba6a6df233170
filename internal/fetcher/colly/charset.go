package collyfetcher

import (
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

var charsetHint = regexp.MustCompile(`(?i)charset\s*=\s*["']?([a-z0-9_.:-]+)`)

// decodeBody returns body as UTF-8 along with the charset it was read in.
// Colly has already transcoded bodies whose Content-Type names a charset;
// otherwise the charset comes from an in-document hint, then detection.
func decodeBody(body []byte, contentType string) ([]byte, string) {
	mediaType, params, _ := mime.ParseMediaType(contentType)
	if isBinary(mediaType) || len(body) == 0 {
		return body, params["charset"]
	}
	if label := params["charset"]; label != "" {
		return body, strings.ToLower(label)
	}

	if m := charsetHint.FindSubmatch(body); m != nil {
		if decoded, name, ok := transcode(body, string(m[1])); ok {
			return decoded, name
		}
	}
	if validUTF8(body) {
		return body, "utf-8"
	}

	result, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil {
		return body, ""
	}
	if decoded, name, ok := transcode(body, result.Charset); ok {
		return decoded, name
	}
	return body, ""
}

func transcode(body []byte, label string) ([]byte, string, bool) {
	enc, name := charset.Lookup(label)
	if enc == nil {
		return nil, "", false
	}
	if name == "utf-8" {
		return body, name, true
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return nil, "", false
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, "", false
	}
	return decoded, name, true
}

// validUTF8 tolerates a trailing rune cut short by the read cap.
func validUTF8(body []byte) bool {
	if utf8.Valid(body) {
		return true
	}
	for i := 1; i < utf8.UTFMax && i <= len(body); i++ {
		tail := body[len(body)-i:]
		if utf8.RuneStart(tail[0]) {
			return !utf8.FullRune(tail) && utf8.Valid(body[:len(body)-i])
		}
	}
	return false
}

func isBinary(mediaType string) bool {
	family, _, _ := strings.Cut(mediaType, "/")
	switch family {
	case "image", "audio", "video", "font", "model":
		return true
	}
	return false
}
