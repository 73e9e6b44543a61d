package sidx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/ahm"
)

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(srv.URL, "https://")
}

func TestBeginSuccess(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "otc-123", r.Header.Get("X-ACCESS-Session-Token"))
		w.Header().Set("X-ACCESS-Session-ID", "sess-abc")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mux, err := ahm.New()
	require.NoError(t, err)
	defer mux.Close()
	mux.InsecureSkipVerifyForTest()

	done := make(chan struct{})
	var gotSid string
	var gotErr error
	Begin(mux, hostOf(t, srv), "otc-123", func(sid string, err error) {
		gotSid, gotErr = sid, err
		close(done)
	})
	<-done

	require.NoError(t, gotErr)
	require.Equal(t, "sess-abc", gotSid)
}

func TestBeginMissingHeader(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mux, err := ahm.New()
	require.NoError(t, err)
	defer mux.Close()
	mux.InsecureSkipVerifyForTest()

	done := make(chan struct{})
	var gotErr error
	Begin(mux, hostOf(t, srv), "otc-123", func(sid string, err error) {
		gotErr = err
		close(done)
	})
	<-done

	require.Error(t, gotErr)
}

func TestBeginBadStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	mux, err := ahm.New()
	require.NoError(t, err)
	defer mux.Close()
	mux.InsecureSkipVerifyForTest()

	done := make(chan struct{})
	var gotErr error
	Begin(mux, hostOf(t, srv), "otc-123", func(sid string, err error) {
		gotErr = err
		close(done)
	})
	<-done

	require.Error(t, gotErr)
}
