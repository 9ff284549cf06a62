package vmm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newUnixServer starts an httptest-style server listening on a unix socket
// at socketPath and returns it for cleanup.
func newUnixServer(t *testing.T, socketPath string, handler http.Handler) *httptest.Server {
	t.Helper()
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listening on %s: %v", socketPath, err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = l
	srv.Start()
	return srv
}

func TestConfigureSuccess(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "api.socket")

	var gotBody map[string]any
	srv := newUnixServer(t, sock, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/machine-config" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(sock)
	if err := c.Configure(context.Background(), 2, 1024); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if gotBody["vcpu_count"].(float64) != 2 {
		t.Fatalf("vcpu_count = %v", gotBody["vcpu_count"])
	}
}

func TestCallErrorOnNon2xx(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "api.socket")

	srv := newUnixServer(t, sock, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"fault_message":"boom"}`))
	}))
	defer srv.Close()

	c := New(sock)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestWaitForSocketSucceedsOnceListening(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "api.socket")

	go func() {
		time.Sleep(20 * time.Millisecond)
		l, err := net.Listen("unix", sock)
		if err != nil {
			return
		}
		defer l.Close()
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	err := WaitForSocket(context.Background(), sock, time.Second, func() bool { return true })
	if err != nil {
		t.Fatalf("WaitForSocket: %v", err)
	}
}

func TestWaitForSocketFailsWhenProcessDead(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "does-not-exist.socket")
	_ = os.Remove(sock)

	err := WaitForSocket(context.Background(), sock, 2*time.Second, func() bool { return false })
	if err == nil {
		t.Fatal("expected error when process is not alive")
	}
}
