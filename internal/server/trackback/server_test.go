package trackback

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/server"
	"github.com/JakeFAU/linkback/internal/site"
	"github.com/JakeFAU/linkback/internal/storage/memory"
)

const sourceURI = "http://remote.test/post/"

type entries map[string]bool // id -> pingable

func (entries) Kind() string { return "entry" }

func (e entries) Find(_ context.Context, id string) (linkback.Reference, error) {
	if _, ok := e[id]; !ok {
		return linkback.Reference{}, linkback.ErrNotFound
	}
	return linkback.Reference{Kind: "entry", ID: id}, nil
}

func (e entries) Pingable(_ context.Context, ref linkback.Reference) bool { return e[ref.ID] }

func (e entries) Path(ref linkback.Reference) (string, error) {
	if _, ok := e[ref.ID]; !ok {
		return "", errors.New("no such entry")
	}
	return "/blog/" + ref.ID + "/", nil
}

type stubFetcher map[string]linkback.FetchResponse

func (f stubFetcher) Fetch(_ context.Context, req linkback.FetchRequest) (linkback.FetchResponse, error) {
	resp, ok := f[req.URL]
	if !ok {
		return linkback.FetchResponse{}, &linkback.HTTPError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	return resp, nil
}

type countingFetcher struct {
	stubFetcher
	calls atomic.Int32
}

func (f *countingFetcher) Fetch(ctx context.Context, req linkback.FetchRequest) (linkback.FetchResponse, error) {
	f.calls.Add(1)
	return f.stubFetcher.Fetch(ctx, req)
}

type reply struct {
	Error   int    `xml:"error"`
	Message string `xml:"message"`
}

func newTestRouter(t *testing.T) (http.Handler, *Server, *memory.BacklinkStore) {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.Add(entries{"1": true, "2": false}))
	store := memory.NewBacklinkStore()
	srv, err := New(registry, server.Deps{
		Store: store,
		Fetcher: stubFetcher{
			sourceURI: {
				StatusCode: http.StatusOK,
				Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
				Body: []byte(`<html><head><title>Remote title</title></head><body>
<p>Worth reading: <a href="http://example.com/blog/1/">entry one</a></p></body></html>`),
			},
		},
		Site: site.NewResolver("example.com"),
	})
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Handle(MountPattern, srv)
	return r, srv, store
}

func post(t *testing.T, h http.Handler, path string, form url.Values, contentType string) reply {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), `<?xml version="1.0" encoding="utf-8"?><response>`))

	var out reply
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const formType = "application/x-www-form-urlencoded; charset=utf-8"

func TestEndpoint_RecordsPing(t *testing.T) {
	t.Parallel()

	h, _, store := newTestRouter(t)
	out := post(t, h, "/trackback/entry/1", url.Values{
		"url":     {sourceURI},
		"title":   {"Given title"},
		"excerpt": {"Given excerpt"},
	}, formType)
	require.Equal(t, reply{Error: 0}, out)

	got, err := store.ListInbound(context.Background(), linkback.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, sourceURI, got[0].SourceURI)
	require.Equal(t, "http://example.com/blog/1/", got[0].TargetURI)
	require.Equal(t, &linkback.Reference{Kind: "entry", ID: "1"}, got[0].Target)
	require.Equal(t, "Given title", got[0].Title)
	require.Equal(t, "Given excerpt", got[0].Excerpt)
	require.Equal(t, Protocol, got[0].Protocol)

	out = post(t, h, "/trackback/entry/1", url.Values{"url": {sourceURI}}, formType)
	require.Equal(t, reply{Error: 1, Message: "Ping to target from given source already registered"}, out)
}

func TestEndpoint_DerivesMissingMetadata(t *testing.T) {
	t.Parallel()

	h, _, store := newTestRouter(t)
	out := post(t, h, "/trackback/entry/1", url.Values{"url": {sourceURI}}, "application/x-www-form-urlencoded")
	require.Zero(t, out.Error, out.Message)

	got, err := store.ListInbound(context.Background(), linkback.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Remote title", got[0].Title)
	require.Equal(t, "Remote title Worth reading: entry one", got[0].Excerpt)
}

func TestEndpoint_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		path        string
		form        url.Values
		contentType string
		message     string
	}{
		{name: "wrong content type", path: "/trackback/entry/1", form: url.Values{"url": {sourceURI}}, contentType: "text/plain", message: "Invalid Content-Type"},
		{name: "missing url", path: "/trackback/entry/1", form: url.Values{"title": {"x"}}, contentType: formType, message: "Source does not exist"},
		{name: "unknown entry", path: "/trackback/entry/9", form: url.Values{"url": {sourceURI}}, contentType: formType, message: "Target does not exist"},
		{name: "unknown kind", path: "/trackback/page/1", form: url.Values{"url": {sourceURI}}, contentType: formType, message: "Target does not exist"},
		{name: "closed entry", path: "/trackback/entry/2", form: url.Values{"url": {sourceURI}}, contentType: formType, message: "Target is not pingable"},
		{name: "source missing", path: "/trackback/entry/1", form: url.Values{"url": {"http://remote.test/gone/"}}, contentType: formType, message: "Source does not exist"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h, _, store := newTestRouter(t)
			out := post(t, h, tc.path, tc.form, tc.contentType)
			require.Equal(t, reply{Error: 1, Message: tc.message}, out)

			got, err := store.ListInbound(context.Background(), linkback.InboundFilter{})
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestEndpoint_RejectsNonPost(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trackback/entry/1", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestServer_EndpointURI(t *testing.T) {
	t.Parallel()

	_, srv, _ := newTestRouter(t)
	ref := linkback.Reference{Kind: "entry", ID: "1"}
	require.Equal(t, "/trackback/entry/1", Path(ref))
	require.Equal(t, "http://example.com/trackback/entry/1", srv.EndpointURI(nil, ref))
}

func TestWriteResponse_EscapesMessage(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeResponse(rec, `bad <url> & "quotes"`)
	require.Equal(t,
		`<?xml version="1.0" encoding="utf-8"?><response><error>1</error><message>bad &lt;url&gt; &amp; &#34;quotes&#34;</message></response>`,
		rec.Body.String())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Add(entries{"1": true}))
	require.Error(t, registry.Add(entries{}))
	require.Error(t, registry.Add(nil))

	_, err := registry.ResolveTarget(context.Background(), "http://example.com/blog/1/")
	require.Error(t, err)
	require.NoError(t, registry.ValidateTarget(context.Background(), "", linkback.Reference{Kind: "entry", ID: "1"}))
	require.Error(t, registry.ValidateTarget(context.Background(), "", linkback.Reference{Kind: "entry", ID: "3"}))
}

func TestEndpoint_UnknownIDIsRejectedBeforeFetchingSource(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Add(entries{"1": true}))
	fetcher := &countingFetcher{stubFetcher: stubFetcher{}}
	srv, err := New(registry, server.Deps{
		Store:   memory.NewBacklinkStore(),
		Fetcher: fetcher,
		Site:    site.NewResolver("example.com"),
	})
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Handle(MountPattern, srv)

	out := post(t, r, "/trackback/entry/404", url.Values{"url": {sourceURI}}, formType)
	require.Equal(t, reply{Error: 1, Message: "Target does not exist"}, out)
	require.Zero(t, fetcher.calls.Load())

	path, err := registry.TargetPath(context.Background(), linkback.Reference{Kind: "entry", ID: "1"})
	require.NoError(t, err)
	require.Equal(t, "/blog/1/", path)

	_, err = registry.TargetPath(context.Background(), linkback.Reference{Kind: "entry", ID: "404"})
	require.ErrorIs(t, err, linkback.ErrNotFound)
	_, err = registry.TargetPath(context.Background(), linkback.Reference{Kind: "page", ID: "1"})
	require.ErrorIs(t, err, linkback.ErrNotFound)
}
