package markup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

func (r *recorder) StartTag(name string, attrs []Attr) {
	var b strings.Builder
	b.WriteString("<" + name)
	for _, a := range attrs {
		b.WriteString(" " + a.Key + "=" + a.Val)
	}
	r.events = append(r.events, b.String()+">")
}

func (r *recorder) EndTag(name string) { r.events = append(r.events, "</"+name+">") }

func (r *recorder) Text(text string) {
	if strings.TrimSpace(text) != "" {
		r.events = append(r.events, text)
	}
}

func TestScan_LiteralRegionsAreOpaque(t *testing.T) {
	t.Parallel()

	doc := `<p>before</p><script>if (a<b) { document.write("<a href='http://x/'>x</a>"); }</script><p>after</p>`
	r := &recorder{}
	require.NoError(t, Scan(doc, r))
	require.Equal(t, []string{"<p>", "before", "</p>", "<script>", "</script>", "<p>", "after", "</p>"}, r.events)
}

func TestScan_FirstMatchingCloseEndsLiteral(t *testing.T) {
	t.Parallel()

	// A script that writes another script tag: the inner opening is data,
	// so the real close ends the region.
	doc := `<script>document.write('<script src="http://ads.test/a.js"><\/script>');</script>` +
		`<p><a href="http://example.com/entries/1/">entry</a></p>`
	r := &recorder{}
	require.NoError(t, Scan(doc, r))
	require.Equal(t, []string{
		"<script>", "</script>",
		"<p>", "<a href=http://example.com/entries/1/>", "entry", "</a>", "</p>",
	}, r.events)
}

func TestScan_LiteralOpeningsInsideLiteralAreNotTracked(t *testing.T) {
	t.Parallel()

	doc := `<textarea><textarea>x</textarea><a href="http://shown/">s</a>`
	r := &recorder{}
	require.NoError(t, Scan(doc, r))
	require.Equal(t, []string{"<textarea>", "</textarea>", "<a href=http://shown/>", "s", "</a>"}, r.events)
}

func TestScan_TextareaIsLiteral(t *testing.T) {
	t.Parallel()

	doc := `<textarea><a href="http://x/">x</a></textarea><b>bold</b>`
	r := &recorder{}
	require.NoError(t, Scan(doc, r))
	require.Equal(t, []string{"<textarea>", "</textarea>", "<b>", "bold", "</b>"}, r.events)
}

func TestScan_SelfClosingReportsEnd(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	require.NoError(t, Scan(`a<br/>b`, r))
	require.Equal(t, []string{"a", "<br>", "</br>", "b"}, r.events)
}

func TestScan_TextEntitiesNormalized(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	require.NoError(t, Scan(`<p>caf&eacute; &lt;3</p>`, r))
	require.Equal(t, []string{"<p>", "café &lt;3", "</p>"}, r.events)
}
