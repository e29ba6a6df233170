package site

import (
	"crypto/tls"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeOrigin(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"example.com":                     "http://example.com",
		"Example.COM:8080":                "http://example.com:8080",
		"https://example.com/blog/?q=1#x": "https://example.com",
		"HTTP://example.com":              "http://example.com",
		"  http://example.com/  ":         "http://example.com",
		"":                                "",
		"ftp://example.com":               "",
		"http://":                         "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeOrigin(in), in)
	}
}

func TestResolver_PrefersConfiguredOrigin(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "http://other.test/x", nil)
	require.Equal(t, "http://example.com", NewResolver("example.com").Origin(r))
	require.Equal(t, "http://example.com", NewResolver("example.com").Origin(nil))
}

func TestResolver_FallsBackToRequest(t *testing.T) {
	t.Parallel()

	res := NewResolver("", "blog.test")
	require.Equal(t, "", res.Origin(nil))

	r := httptest.NewRequest("GET", "http://Blog.Test/x", nil)
	require.Equal(t, "http://blog.test", res.Origin(r))

	r.TLS = &tls.ConnectionState{}
	require.Equal(t, "https://blog.test", res.Origin(r))

	r = httptest.NewRequest("GET", "http://blog.test/x", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	require.Equal(t, "https://blog.test", res.Origin(r))
}

func TestResolver_IgnoresHostsNotAllowed(t *testing.T) {
	t.Parallel()

	evil := httptest.NewRequest("GET", "http://evil.test/entries/1/", nil)
	require.Equal(t, "", NewResolver("").Origin(evil))
	require.Equal(t, "", NewResolver("", "blog.test").Origin(evil))
	require.Equal(t, "", NewResolver("", ".blog.test").Origin(httptest.NewRequest("GET", "http://blog.test.evil.test/", nil)))
	var nilResolver *Resolver
	require.Equal(t, "", nilResolver.Origin(evil))

	res := NewResolver("", " LOCALHOST ", "[::1]", ".blog.test")
	require.Equal(t, "http://localhost:8080", res.Origin(httptest.NewRequest("GET", "http://localhost:8080/", nil)))
	require.Equal(t, "http://[::1]:8080", res.Origin(httptest.NewRequest("GET", "http://[::1]:8080/", nil)))
	require.Equal(t, "http://www.blog.test", res.Origin(httptest.NewRequest("GET", "http://www.blog.test/", nil)))
	require.Equal(t, "http://blog.test", res.Origin(httptest.NewRequest("GET", "http://blog.test:80/", nil)))
}

func TestUnder_DefaultPortsAreImplicit(t *testing.T) {
	t.Parallel()

	require.True(t, Under("http://example.com", "http://example.com:80/blog/1/"))
	require.True(t, Under("https://example.com", "https://EXAMPLE.com:443/"))
	require.True(t, Under(NormalizeOrigin("http://example.com:80"), "http://example.com/"))
	require.False(t, Under("http://example.com", "http://example.com:443/"))
	require.False(t, Under("http://example.com", "http://example.com:8080/"))
	require.Equal(t, "http://[::1]", NormalizeOrigin("http://[::1]:80/"))
}

func TestUnder(t *testing.T) {
	t.Parallel()

	require.True(t, Under("http://example.com", "http://example.com/blog/1/"))
	require.True(t, Under("http://example.com", "HTTP://EXAMPLE.com"))
	require.False(t, Under("http://example.com", "https://example.com/blog/"))
	require.False(t, Under("http://example.com", "http://example.com.evil.test/"))
	require.False(t, Under("http://example.com", "/blog/"))
	require.False(t, Under("", "http://example.com/"))
}

func TestJoin(t *testing.T) {
	t.Parallel()

	require.Equal(t, "http://example.com/pingback/", Join("http://example.com", "/pingback/"))
	require.Equal(t, "http://example.com/rpc", Join("http://example.com", "rpc"))
	require.Equal(t, "", Join("", "/pingback/"))
}
