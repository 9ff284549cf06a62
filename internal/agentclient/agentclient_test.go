package agentclient

import (
	"context"
	"net"
	"testing"
	"time"
)

func serveOnce(t *testing.T, handler func(conn net.Conn)) (ip string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() {
		ln.Close()
		<-done
	}
}

func TestHealthPingPong(t *testing.T) {
	ip, port, stop := serveOnce(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte("PONG\n"))
	})
	defer stop()

	c := New(ip, port, "tok")
	if err := c.HealthPing(context.Background()); err != nil {
		t.Fatalf("HealthPing: %v", err)
	}
}

func TestHealthPingErrorEnvelope(t *testing.T) {
	ip, port, stop := serveOnce(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte(`{"error":"unauthorized"}` + "\n"))
	})
	defer stop()

	c := New(ip, port, "bad")
	if err := c.HealthPing(context.Background()); err == nil {
		t.Fatal("expected error for unauthorized response")
	}
}

func TestGetStatsDecodes(t *testing.T) {
	ip, port, stop := serveOnce(t, func(conn net.Conn) {
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte(`{"gatewayPid":123,"memoryKb":4096}` + "\n"))
	})
	defer stop()

	c := New(ip, port, "tok")
	stats, err := c.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.GatewayPid != 123 || stats.MemoryKb != 4096 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWaitForAgentSucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	if err := WaitForAgent(context.Background(), addr.IP.String(), addr.Port, 2*time.Second); err != nil {
		t.Fatalf("WaitForAgent: %v", err)
	}
}

func TestWaitForAgentTimesOutWhenNothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listens on this port now

	start := time.Now()
	err = WaitForAgent(context.Background(), addr.IP.String(), addr.Port, 1200*time.Millisecond)
	if err == nil {
		t.Fatal("expected error when nothing is listening")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("WaitForAgent took too long: %v", time.Since(start))
	}
}
