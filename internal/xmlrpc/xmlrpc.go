// Package xmlrpc is the server half of the XML-RPC subset Pingback uses:
// it reads method calls and writes string responses and faults. Values are
// decoded with github.com/kolo/xmlrpc, which covers the client half.
package xmlrpc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	kolo "github.com/kolo/xmlrpc"
)

// ContentType is the media type of XML-RPC requests and responses.
const ContentType = "text/xml"

const header = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// ErrMalformed reports a document that is not valid XML-RPC.
var ErrMalformed = errors.New("xmlrpc: malformed document")

// Call is a decoded methodCall. Parameters stay encoded until read with
// Param.
type Call struct {
	Method string
	params [][]byte
}

type methodCall struct {
	XMLName xml.Name `xml:"methodCall"`
	Method  *string  `xml:"methodName"`
	Params  []struct {
		Value *struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"value"`
	} `xml:"params>param"`
}

// DecodeCall parses a methodCall document.
func DecodeCall(r io.Reader) (*Call, error) {
	d := xml.NewDecoder(r)
	// Bodies are read as raw bytes; accept any declared charset label.
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	var mc methodCall
	if err := d.Decode(&mc); err != nil {
		return nil, malformed("%v", err)
	}
	if mc.Method == nil || strings.TrimSpace(*mc.Method) == "" {
		return nil, malformed("missing methodName")
	}
	c := &Call{Method: strings.TrimSpace(*mc.Method)}
	for i, p := range mc.Params {
		if p.Value == nil {
			return nil, malformed("param %d has no value", i)
		}
		c.params = append(c.params, p.Value.Inner)
	}
	return c, nil
}

// Len returns the number of parameters.
func (c *Call) Len() int { return len(c.params) }

// Param decodes parameter i into v, which must be a pointer.
func (c *Call) Param(i int, v any) error {
	if i < 0 || i >= len(c.params) {
		return fmt.Errorf("param %d out of range", i)
	}
	doc := make([]byte, 0, len(c.params[i])+len("<value></value>"))
	doc = append(doc, "<value>"...)
	doc = append(doc, c.params[i]...)
	doc = append(doc, "</value>"...)
	if err := kolo.Response(doc).Unmarshal(v); err != nil {
		return fmt.Errorf("param %d: %w", i, err)
	}
	return nil
}

// MarshalResponse renders a methodResponse carrying one string.
func MarshalResponse(s string) []byte {
	var b bytes.Buffer
	b.WriteString(header)
	b.WriteString("<methodResponse><params><param><value><string>")
	escape(&b, s)
	b.WriteString("</string></value></param></params></methodResponse>")
	return b.Bytes()
}

// MarshalFault renders a methodResponse carrying a fault.
func MarshalFault(code int, message string) []byte {
	var b bytes.Buffer
	b.WriteString(header)
	b.WriteString("<methodResponse><fault><value><struct>")
	b.WriteString("<member><name>faultCode</name><value><int>")
	b.WriteString(strconv.Itoa(code))
	b.WriteString("</int></value></member>")
	b.WriteString("<member><name>faultString</name><value><string>")
	escape(&b, message)
	b.WriteString("</string></value></member>")
	b.WriteString("</struct></value></fault></methodResponse>")
	return b.Bytes()
}

func escape(b *bytes.Buffer, s string) {
	// bytes.Buffer writes never fail.
	_ = xml.EscapeText(b, []byte(s))
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
