package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/norootfw/norootfw/capture"
)

type staticStatus capture.Status

func (s staticStatus) Status() capture.Status { return capture.Status(s) }

func TestStartStopExitSignal(t *testing.T) {
	a := NewAPI("127.0.0.1:0")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		path string
		ch   <-chan struct{}
		code int
	}{
		{"/start", a.GetStartChannel(), http.StatusAccepted},
		{"/stop", a.GetStopChannel(), http.StatusOK},
		{"/exit", a.GetShutdownChannel(), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, tt.code, resp.StatusCode)

			select {
			case <-tt.ch:
			default:
				t.Fatalf("%s did not signal the main loop", tt.path)
			}
		})
	}
}

func TestStartWhilePending(t *testing.T) {
	a := NewAPI("127.0.0.1:0")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	a := NewAPI("127.0.0.1:0")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/start", "/stop", "/exit"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	a := NewAPI("127.0.0.1:0")
	a.SetTunnelAddress("10.0.2.1/24")
	a.SetSink("log")
	a.SetVersion("1.0.0")
	a.SetStatusProvider(staticStatus{
		Active:     true,
		Generation: 3,
		Interface:  "tun0",
		Stats:      capture.Stats{Read: 10, Dispatched: 8, Skipped: 2, Syn: 4},
	})

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.True(t, got.Active)
	require.Equal(t, uint64(3), got.Generation)
	require.Equal(t, uint64(4), got.Stats.Syn)
	require.Equal(t, "tun0", got.Interface)
	require.Equal(t, "10.0.2.1/24", got.Address)
	require.Equal(t, "log", got.Sink)
	require.Equal(t, "1.0.0", got.Version)
}

func TestUnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("named pipes are covered on windows builders")
	}
	// t.TempDir can exceed the sun_path limit on darwin
	dir, err := os.MkdirTemp("", "nrfw")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "api.sock")
	a := NewAPISocket(path)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.Equal(t, path, a.Addr().String())
}
