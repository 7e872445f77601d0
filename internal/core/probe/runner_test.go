package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"liuproxy_selector/internal/shared/types"
)

func TestRunner_HardTimeoutOnHungProbe(t *testing.T) {
	hung := ProberFunc(func(ctx context.Context, node types.Node, _ string) types.TestOutcome {
		time.Sleep(2 * time.Second) // ignores ctx
		return types.TestOutcome{Success: true}
	})
	r := NewRunner(hung, nil, nil)

	start := time.Now()
	out, err := r.Run(context.Background(), types.Node{Index: 1}, Options{Timeout: 50 * time.Millisecond, TestType: "batch"})
	if err != nil {
		t.Fatalf("Expected no error for a timed out probe, but got %v", err)
	}
	if out.Success {
		t.Fatalf("Expected timed out probe to fail")
	}
	if !strings.Contains(out.Error, "timed out") {
		t.Errorf("Expected timeout message, got %q", out.Error)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Runner did not enforce the timeout")
	}
	if out.TestType != "batch" {
		t.Errorf("Expected test type to be stamped, got %q", out.TestType)
	}
}

func TestRunner_PanicIsReportedAsError(t *testing.T) {
	boom := ProberFunc(func(ctx context.Context, node types.Node, _ string) types.TestOutcome {
		panic("boom")
	})
	r := NewRunner(boom, nil, nil)

	_, err := r.Run(context.Background(), types.Node{}, Options{Timeout: time.Second, TestType: "batch"})
	if !errors.Is(err, ErrProbePanic) {
		t.Fatalf("Expected ErrProbePanic, but got %v", err)
	}
}

func TestRunner_FillsMissingFields(t *testing.T) {
	failing := ProberFunc(func(ctx context.Context, node types.Node, _ string) types.TestOutcome {
		return types.TestOutcome{Success: false}
	})
	out, err := NewRunner(failing, nil, nil).Run(context.Background(), types.Node{}, Options{Timeout: time.Second, TestType: "health"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Error == "" || out.Timestamp.IsZero() {
		t.Errorf("Expected error message and timestamp to be filled, got %+v", out)
	}
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	node := types.Node{Server: "127.0.0.1", Port: addr.Port}
	out := DialProber{}.Probe(context.Background(), node, "")
	if !out.Success {
		t.Fatalf("Expected dial to succeed, got %+v", out)
	}

	ln.Close()
	out = DialProber{}.Probe(context.Background(), node, "")
	if out.Success {
		t.Errorf("Expected dial to a closed port to fail")
	}
}

func proxyPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("bad port: %v", err)
	}
	return port
}

func TestProxied_HTTPNodeIsUsedAsProxy(t *testing.T) {
	var seenHost atomic.Value
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a forward proxy sees the absolute target URL
		seenHost.Store(r.URL.Host)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer proxySrv.Close()

	node := types.Node{Protocol: "http", Server: "127.0.0.1", Port: proxyPort(t, proxySrv)}
	p := &ProxiedProber{TestURL: "http://probe.test/generate_204"}

	out := p.Probe(context.Background(), node, "")
	if !out.Success {
		t.Fatalf("Expected proxied probe to succeed, got %+v", out)
	}
	if got := seenHost.Load(); got != "probe.test" {
		t.Errorf("Expected default test URL to go through the node, got host %v", got)
	}

	out = p.Probe(context.Background(), node, "http://per-run.test/")
	if !out.Success {
		t.Fatalf("Expected proxied probe to succeed, got %+v", out)
	}
	if got := seenHost.Load(); got != "per-run.test" {
		t.Errorf("Expected per-run test URL to win, got host %v", got)
	}
}

func TestProxied_IgnoresBoundPortForTunnelNodes(t *testing.T) {
	var calls atomic.Int32
	p := &ProxiedProber{
		TestURL: "http://probe.test/",
		Fallback: ProberFunc(func(ctx context.Context, node types.Node, testURL string) types.TestOutcome {
			calls.Add(1)
			return types.TestOutcome{Success: true}
		}),
	}
	// bound and unbound vmess nodes are measured the same way
	p.Probe(context.Background(), types.Node{Protocol: "vmess"}, "")
	p.Probe(context.Background(), types.Node{Protocol: "vmess", IsRunning: true, HTTPPort: 1}, "")
	if calls.Load() != 2 {
		t.Errorf("Expected fallback prober for both nodes, got %d calls", calls.Load())
	}
}

func TestHTTPSpeedProber(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer proxySrv.Close()
	port := proxyPort(t, proxySrv)

	sp := &HTTPSpeedProber{URL: "http://speed.test/file", MaxBytes: 32 * 1024}
	out := sp.Measure(context.Background(), types.Node{Protocol: "http", Server: "127.0.0.1", Port: port})
	if out.Failed() {
		t.Fatalf("Expected speed test through an http node to succeed, got %+v", out)
	}

	bound := types.Node{Protocol: "vless", IsRunning: true, HTTPPort: port}
	if out = sp.Measure(context.Background(), bound); !out.Failed() {
		t.Errorf("Expected speed test without a forwarding listener to fail")
	}

	sp.Forwarding = true
	if out = sp.Measure(context.Background(), bound); out.Failed() {
		t.Errorf("Expected speed test through the forwarding listener to succeed, got %+v", out)
	}
	if out = sp.Measure(context.Background(), types.Node{Protocol: "vless"}); !out.Failed() {
		t.Errorf("Expected speed test on unbound tunnel node to fail")
	}
}
