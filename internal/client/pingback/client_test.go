package pingback

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkback/internal/fault"
	collyfetcher "github.com/JakeFAU/linkback/internal/fetcher/colly"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/xmlrpc"
)

func newClient() *Client {
	return New(collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second}), nil)
}

func TestAutodiscover(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		resp linkback.FetchResponse
		want string
	}{
		{
			name: "header wins over body",
			resp: linkback.FetchResponse{
				Headers: http.Header{"X-Pingback": {"http://example.com/xmlrpc/"}},
				Body:    []byte(`<link rel="pingback" href="http://example.com/other/">`),
			},
			want: "http://example.com/xmlrpc/",
		},
		{
			name: "link element",
			resp: linkback.FetchResponse{
				Body: []byte(`<html><head><link rel="stylesheet" href="/s.css"><link rel="pingback" href="http://example.com/rpc" /></head></html>`),
			},
			want: "http://example.com/rpc",
		},
		{
			name: "first of several",
			resp: linkback.FetchResponse{
				Body: []byte(`<link rel="pingback" href="http://a.test/rpc"><link rel="pingback" href="http://b.test/rpc">`),
			},
			want: "http://a.test/rpc",
		},
		{
			name: "multi-valued rel",
			resp: linkback.FetchResponse{
				Body: []byte(`<link rel="pingback alternate" href="http://a.test/rpc">`),
			},
			want: "http://a.test/rpc",
		},
		{
			name: "nothing advertised",
			resp: linkback.FetchResponse{Body: []byte(`<p>plain page</p>`)},
		},
		{name: "empty response"},
	}
	c := newClient()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, c.Autodiscover("http://example.com/post/", tc.resp))
		})
	}
}

func rpcServer(t *testing.T, reply func(w http.ResponseWriter, call *xmlrpc.Call)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call, err := xmlrpc.DecodeCall(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply(w, call)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPing_Success(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(w http.ResponseWriter, call *xmlrpc.Call) {
		require.Equal(t, "pingback.ping", call.Method)
		require.Equal(t, 2, call.Len())
		var source, target string
		require.NoError(t, call.Param(0, &source))
		require.NoError(t, call.Param(1, &target))
		require.Equal(t, "http://me.test/post/", source)
		require.Equal(t, "http://example.com/target/", target)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(xmlrpc.MarshalResponse("Ping registered"))
	})

	err := newClient().Ping(context.Background(), linkback.OutboundPing{
		EndpointURI: srv.URL,
		TargetURI:   "http://example.com/target/",
		SourceURI:   "http://me.test/post/",
	})
	require.NoError(t, err)
}

func TestPing_MapsFaultCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want fault.Kind
	}{
		{code: 0x11, want: fault.SourceDoesNotLink},
		{code: 0x21, want: fault.TargetNotPingable},
		{code: 48, want: fault.AlreadyRegistered},
		{code: 153, want: fault.Unknown},
		{code: -32601, want: fault.Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.want.String(), func(t *testing.T) {
			t.Parallel()
			srv := rpcServer(t, func(w http.ResponseWriter, _ *xmlrpc.Call) {
				_, _ = w.Write(xmlrpc.MarshalFault(tc.code, "remote says no"))
			})
			err := newClient().Ping(context.Background(), linkback.OutboundPing{EndpointURI: srv.URL})
			ce, ok := fault.AsClient(err)
			require.True(t, ok, "got %v", err)
			require.Equal(t, tc.want, ce.Kind)
			require.Equal(t, "remote says no", ce.Reason)
		})
	}
}

func TestPing_MapsHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]fault.Kind{
		http.StatusNotFound:            fault.ServerDoesNotExist,
		http.StatusInternalServerError: fault.RemoteError,
		http.StatusForbidden:           fault.AccessDenied,
		http.StatusUnauthorized:        fault.AccessDenied,
		http.StatusServiceUnavailable:  fault.ClientConnectionError,
	}
	for status, want := range cases {
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()
			err := newClient().Ping(context.Background(), linkback.OutboundPing{EndpointURI: srv.URL})
			ce, ok := fault.AsClient(err)
			require.True(t, ok, "got %v", err)
			require.Equal(t, want, ce.Kind)
		})
	}
}

func TestPing_InvalidResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>not xml-rpc</html>")
	}))
	defer srv.Close()

	err := newClient().Ping(context.Background(), linkback.OutboundPing{EndpointURI: srv.URL})
	ce, ok := fault.AsClient(err)
	require.True(t, ok)
	require.Equal(t, fault.InvalidResponse, ce.Kind)
}

func TestPing_ResponseWithoutValueIsInvalid(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<methodResponse><params></params></methodResponse>")
	}))
	defer srv.Close()

	err := newClient().Ping(context.Background(), linkback.OutboundPing{EndpointURI: srv.URL})
	ce, ok := fault.AsClient(err)
	require.True(t, ok)
	require.Equal(t, fault.InvalidResponse, ce.Kind)
}

func TestPing_AcceptsDeclaredLatin1Response(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="iso-8859-1"?>
<methodResponse><params><param><value><string>ok</string></value></param></params></methodResponse>`)
	}))
	defer srv.Close()

	require.NoError(t, newClient().Ping(context.Background(), linkback.OutboundPing{EndpointURI: srv.URL}))
}

func TestPing_TransportFailureIsUnknown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	err := newClient().Ping(context.Background(), linkback.OutboundPing{EndpointURI: endpoint})
	ce, ok := fault.AsClient(err)
	require.True(t, ok)
	require.Equal(t, fault.Unknown, ce.Kind)
	require.NotEmpty(t, ce.Reason)
}
