package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	kolo "github.com/kolo/xmlrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/catalog"
	"github.com/JakeFAU/linkback/internal/client"
	pingbackclient "github.com/JakeFAU/linkback/internal/client/pingback"
	"github.com/JakeFAU/linkback/internal/config"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/metrics"
	"github.com/JakeFAU/linkback/internal/server"
	pingbackserver "github.com/JakeFAU/linkback/internal/server/pingback"
	trackbackserver "github.com/JakeFAU/linkback/internal/server/trackback"
	"github.com/JakeFAU/linkback/internal/site"
	"github.com/JakeFAU/linkback/internal/storage/memory"
	"github.com/JakeFAU/linkback/internal/xmlrpc"
)

const (
	targetURI = "http://example.com/entries/first/"
	sourceURI = "http://remote.test/post"
	backlinkA = "0190b7a4-8f5e-7c1a-9b2e-3d4f5a6b7c8d"
)

// fakeFetcher answers from a table keyed by "METHOD URL".
type fakeFetcher struct {
	mu     sync.Mutex
	routes map[string]linkback.FetchResponse
}

func (f *fakeFetcher) Fetch(_ context.Context, req linkback.FetchRequest) (linkback.FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	f.mu.Lock()
	resp, ok := f.routes[method+" "+req.URL]
	f.mu.Unlock()
	if !ok {
		return linkback.FetchResponse{}, fmt.Errorf("dial %s: connection refused", req.URL)
	}
	return resp, nil
}

func htmlPage(uri string, headers http.Header, body string) linkback.FetchResponse {
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", "text/html; charset=utf-8")
	return linkback.FetchResponse{URL: uri, StatusCode: http.StatusOK, Headers: headers, Body: []byte(body)}
}

type testEnv struct {
	server    *Server
	backlinks *memory.BacklinkStore
	attempts  *memory.AttemptStore
	section   *catalog.Section
	// apiKey is sent with every request that does not carry its own.
	apiKey string
}

const testAPIKey = "test-key"

// envOptions configure newTestEnv. A zero auth enables auth with testAPIKey
// unless anonymous is set.
type envOptions struct {
	auth      config.AuthConfig
	anonymous bool
	ready     func(context.Context) error
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	section, err := catalog.NewSection("entry", "/entries/{id}/", "closed")
	require.NoError(t, err)
	cat, err := catalog.New(section)
	require.NoError(t, err)

	rpcOK := xmlrpc.MarshalResponse("Ping registered")
	fetcher := &fakeFetcher{routes: map[string]linkback.FetchResponse{
		"GET " + sourceURI: htmlPage(sourceURI, nil,
			`<title>Remote</title><p>Read <a href="`+targetURI+`">this entry</a> now.</p>`),
		"GET http://remote.test/other": htmlPage("http://remote.test/other",
			http.Header{"X-Pingback": {"http://remote.test/xmlrpc"}}, "<p>other</p>"),
		"POST http://remote.test/xmlrpc": {
			URL:        "http://remote.test/xmlrpc",
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": {"text/xml"}},
			Body:       rpcOK,
		},
	}}

	backlinks := memory.NewBacklinkStore()
	attempts := memory.NewAttemptStore()
	resolver := site.NewResolver("example.com")
	deps := server.Deps{Store: backlinks, Fetcher: fetcher, Site: resolver}

	pbRegistry := pingbackserver.NewRegistry(nil)
	require.NoError(t, pbRegistry.Add(section, section.Pattern()))
	pb, err := pingbackserver.New(pbRegistry, deps, pingbackserver.Config{})
	require.NoError(t, err)

	tbRegistry := trackbackserver.NewRegistry()
	require.NoError(t, tbRegistry.Add(section))
	tb, err := trackbackserver.New(tbRegistry, deps)
	require.NoError(t, err)

	outbound, err := client.New(
		[]client.Adapter{pingbackclient.New(fetcher, nil)},
		client.Deps{Fetcher: fetcher, Attempts: attempts, Site: resolver, Sources: cat},
	)
	require.NoError(t, err)

	auth, apiKey := opts.auth, ""
	if auth == (config.AuthConfig{}) && !opts.anonymous {
		auth, apiKey = config.AuthConfig{Enabled: true, APIKey: testAPIKey}, testAPIKey
	}

	srv, err := NewServer(Deps{
		Pingback:  pb,
		Trackback: tb,
		Backlinks: backlinks,
		Attempts:  attempts,
		Client:    outbound,
		Catalog:   cat,
		Ready:     opts.ready,
		Auth:      auth,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return &testEnv{server: srv, backlinks: backlinks, attempts: attempts, section: section, apiKey: apiKey}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if e.apiKey != "" && req.Header.Get("X-Api-Key") == "" {
		req.Header.Set("X-Api-Key", e.apiKey)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil, nil).Code)

	down := newTestEnv(t, envOptions{ready: func(context.Context) error { return errors.New("db down") }})
	rec := down.do(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "not ready")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	metrics.Init()
	env := newTestEnv(t, envOptions{})
	env.do(t, http.MethodGet, "/healthz", nil, nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	given := "0190b7a4-0000-7000-8000-000000000001"
	rec = env.do(t, http.MethodGet, "/healthz", nil, http.Header{"X-Request-Id": {given}})
	require.Equal(t, given, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/healthz", nil, http.Header{"X-Request-Id": {"not-a-uuid"}})
	require.NotEqual(t, "not-a-uuid", rec.Header().Get("X-Request-ID"))
}

func TestServer_PingbackEndpointRecordsBacklink(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	call, err := kolo.EncodeMethodCall("pingback.ping", sourceURI, targetURI)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/pingback", call, http.Header{"Content-Type": {"text/xml"}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := kolo.Response(rec.Body.Bytes())
	require.NoError(t, resp.Err())
	var result string
	require.NoError(t, resp.Unmarshal(&result))
	require.Equal(t, "Ping from "+sourceURI+" to "+targetURI+" registered", result)

	rec = env.do(t, http.MethodGet, "/v1/backlinks?kind=entry&id=first", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Backlinks []backlinkDTO `json:"backlinks"`
	}](t, rec)
	require.Len(t, body.Backlinks, 1)
	got := body.Backlinks[0]
	require.Equal(t, sourceURI, got.SourceURI)
	require.Equal(t, "pingback", got.Protocol)
	require.Equal(t, "unapproved", got.Status)
	require.Equal(t, "Remote", got.Title)
	require.Equal(t, &linkback.Reference{Kind: "entry", ID: "first"}, got.Target)

	require.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/pingback", nil, nil).Code)
}

func TestServer_TrackbackEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	form := url.Values{"url": {sourceURI}, "title": {"Given title"}}.Encode()
	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}

	rec := env.do(t, http.MethodPost, "/trackback/entry/first", []byte(form), header)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<error>0</error>")

	rec = env.do(t, http.MethodPost, "/trackback/entry/closed", []byte(form), header)
	require.Contains(t, rec.Body.String(), "<error>1</error>")

	backlinks, err := env.backlinks.ListInbound(context.Background(), linkback.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, backlinks, 1)
	require.Equal(t, "Given title", backlinks[0].Title)
	require.Equal(t, targetURI, backlinks[0].TargetURI)
}

func TestServer_Moderation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	require.NoError(t, env.backlinks.CreateInbound(context.Background(), linkback.Inbound{
		ID:         backlinkA,
		SourceURI:  sourceURI,
		TargetURI:  targetURI,
		Protocol:   "pingback",
		ReceivedAt: time.Now(),
		Status:     linkback.StatusUnapproved,
	}))

	rec := env.do(t, http.MethodPost, "/v1/backlinks/"+strings.ToUpper(backlinkA)+"/approve", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"approved"`)

	approved, err := env.backlinks.ListInbound(context.Background(), linkback.InboundFilter{Status: linkback.StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)

	rec = env.do(t, http.MethodGet, "/v1/backlinks?status=unapproved", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"backlinks":[]`)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/backlinks/"+backlinkA+"/unapprove", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/backlinks/nope/approve", nil, nil).Code)
	require.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/v1/backlinks/0190b7a4-ffff-7c1a-9b2e-3d4f5a6b7c8d/approve", nil, nil).Code)
}

func TestServer_ListBacklinksRejectsBadFilters(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	for _, target := range []string{
		"/v1/backlinks?status=spam",
		"/v1/backlinks?kind=entry",
		"/v1/backlinks?limit=0",
		"/v1/backlinks?limit=abc",
	} {
		require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, target, nil, nil).Code, target)
	}
}

func TestServer_Auth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/pings", nil, nil).Code)
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/v1/pings", nil, http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/pings?api_key=secret", nil, nil).Code)

	// Protocol endpoints stay open.
	require.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/pingback", nil, nil).Code)
}

func TestServer_WithoutAuthOnlyReadOnlyRoutesAreServed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{anonymous: true})
	payload := []byte(`{"document":"<a href=\"http://remote.test/other\">x</a>","source_uri":"http://example.com/entries/first/"}`)

	for _, path := range []string{
		"/v1/ping-all",
		"/v1/discover",
		"/v1/backlinks/" + backlinkA + "/approve",
		"/v1/backlinks/" + backlinkA + "/unapprove",
	} {
		rec := env.do(t, http.MethodPost, path, payload, nil)
		require.Equal(t, http.StatusForbidden, rec.Code, path)
		require.Contains(t, rec.Body.String(), "auth.enabled", path)
	}
	attempts, err := env.attempts.ListPingAttempts(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, attempts, "nothing may be pinged anonymously")

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/backlinks", nil, nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/pings", nil, nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/resources/entry/first/discovery", nil, nil).Code)
}

func TestServer_PingAllAndListPings(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	payload, err := json.Marshal(map[string]any{
		"document": `<title>Mine</title><p>See <a href="http://remote.test/other">other</a> and <a href="http://example.com/about/">me</a>.</p>`,
		"source":   map[string]string{"kind": "entry", "id": "first"},
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/v1/ping-all", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[struct {
		Attempts []attemptDTO `json:"attempts"`
	}](t, rec)
	require.Len(t, body.Attempts, 1)
	got := body.Attempts[0]
	require.Equal(t, "http://remote.test/other", got.TargetURI)
	require.Equal(t, targetURI, got.SourceURI)
	require.Equal(t, "successful", got.Status)
	require.Equal(t, "Mine", got.Title)

	rec = env.do(t, http.MethodGet, "/v1/pings?kind=entry&id=first", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Attempts []attemptDTO `json:"attempts"`
	}](t, rec)
	require.Len(t, listed.Attempts, 1)
	require.Equal(t, got.ID, listed.Attempts[0].ID)
}

func TestServer_PingAllRejectsBadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/ping-all", []byte("{"), nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/ping-all", []byte(`{"document":""}`), nil).Code)

	rec := env.do(t, http.MethodPost, "/v1/ping-all", []byte(`{"document":"<p>x</p>","source":{"kind":"photo","id":"1"}}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "source URI cannot be determined")
}

func TestServer_Discover(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodPost, "/v1/discover",
		[]byte(`{"document":"<a href=\"http://remote.test/other\">x</a><a href=\"http://down.test/\">y</a>"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Discovered []discoveredDTO `json:"discovered"`
	}](t, rec)
	require.Equal(t, []discoveredDTO{{
		Link:        "http://remote.test/other",
		TargetURI:   "http://remote.test/other",
		EndpointURI: "http://remote.test/xmlrpc",
		Protocol:    "pingback",
	}}, body.Discovered)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/discover", []byte(`{}`), nil).Code)
}

func TestServer_ResourceDiscovery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/v1/resources/entry/first/discovery?title=First", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://example.com/pingback", rec.Header().Get("X-Pingback"))

	body := decode[map[string]string](t, rec)
	require.Equal(t, targetURI, body["uri"])
	require.Equal(t, `<link rel="pingback" href="http://example.com/pingback">`, body["pingback_link"])
	require.Equal(t, "http://example.com/trackback/entry/first", body["trackback_uri"])
	require.Contains(t, body["trackback_rdf"], `trackback:ping="http://example.com/trackback/entry/first"`)
	require.Contains(t, body["trackback_rdf"], `dc:title="First"`)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/resources/photo/1/discovery", nil, nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/resources/entry/closed/discovery", nil, nil).Code)

	env.section.SetClosed("first", true)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/resources/entry/first/discovery", nil, nil).Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, envOptions{})
	h := env.server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestNewServerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{})
	require.Error(t, err)
}
