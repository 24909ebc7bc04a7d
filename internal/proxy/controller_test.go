package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prism-proxy/prism/internal/profile"
	"github.com/prism-proxy/prism/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newTestController(t *testing.T) (*Controller, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	c := NewController(profile.NewStore(), fs, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c, fs
}

func waitHealthy(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never became healthy", addr)
}

func TestControllerRestartAndShutdown(t *testing.T) {
	c, fs := newTestController(t)
	ctx := context.Background()

	cfg := Config{Host: "127.0.0.1", Port: freePort(t)}
	if err := c.Restart(ctx, cfg); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := c.Status()
	if !st.IsRunning || st.Port != cfg.Port {
		t.Fatalf("status after start = %+v", st)
	}
	if st.StartedAt == 0 {
		t.Fatal("running status must carry a start time")
	}
	waitHealthy(t, cfg.Addr())

	// Rebind to a new port; the old one must be released.
	next := Config{Host: "127.0.0.1", Port: freePort(t)}
	if err := c.Restart(ctx, next); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	waitHealthy(t, next.Addr())
	if _, err := http.Get("http://" + cfg.Addr() + "/health"); err == nil {
		t.Fatal("old listener still accepting")
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if c.Status().IsRunning {
		t.Fatal("status still running after shutdown")
	}
	if _, err := http.Get("http://" + next.Addr() + "/health"); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}

	raw, ok, err := fs.GetConfig(ctx, store.KeyProxyStatus)
	if err != nil || !ok {
		t.Fatalf("persisted status missing: ok=%v err=%v", ok, err)
	}
	var persisted Status
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		t.Fatalf("decode persisted status: %v", err)
	}
	if persisted.IsRunning {
		t.Fatal("persisted status must show stopped")
	}
}

func TestControllerInvalidConfig(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	if err := c.Restart(ctx, Config{Host: "not-an-ip", Port: 8080}); err == nil {
		t.Fatal("invalid host accepted")
	}
	st := c.Status()
	if st.IsRunning {
		t.Fatal("controller must stay idle after a bad config")
	}
	if st.LastError == nil || *st.LastError == "" {
		t.Fatal("bad config must surface in status")
	}

	if err := c.Restart(ctx, Config{Host: "127.0.0.1", Port: 0}); err == nil {
		t.Fatal("zero port accepted")
	}
}

func TestControllerBindConflict(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	err = c.Restart(ctx, Config{Host: "127.0.0.1", Port: port})
	if err == nil {
		t.Fatal("bind conflict not reported")
	}
	st := c.Status()
	if st.IsRunning || st.LastError == nil {
		t.Fatalf("status after failed bind = %+v", st)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Host: "0.0.0.0", Port: 15288}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := []Config{
		{Host: "localhost", Port: 8080},
		{Host: "127.0.0.1", Port: 0},
		{Host: "127.0.0.1", Port: 70000},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %+v accepted", cfg)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Host != "127.0.0.1" || cfg.Port != 15288 {
		t.Fatalf("default = %+v", cfg)
	}
	if got := cfg.Addr(); got != fmt.Sprintf("127.0.0.1:%d", 15288) {
		t.Fatalf("addr = %q", got)
	}
}
