package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"liuproxy_selector/internal/shared/types"
)

// DialProber 以 TCP 建连耗时作为延迟。
type DialProber struct{}

func (DialProber) Probe(ctx context.Context, node types.Node, _ string) types.TestOutcome {
	addr := net.JoinHostPort(node.Server, strconv.Itoa(node.Port))
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return types.TestOutcome{Success: false, Latency: latency, Error: err.Error(), Timestamp: time.Now()}
	}
	conn.Close()
	return types.TestOutcome{Success: true, Latency: latency, Timestamp: time.Now()}
}

// route 是访问测试 URL 时使用的代理地址。
type route struct {
	scheme string // http 或 socks5
	addr   string
}

// proxyScheme 返回节点本身可以直接当作代理使用时的协议。
func proxyScheme(protocol string) (string, bool) {
	switch strings.ToLower(protocol) {
	case "http", "https":
		return "http", true
	case "socks", "socks5", "socks5h":
		return "socks5", true
	}
	return "", false
}

// directRoute 只依赖节点自身的协议，与节点是否绑定无关。
func directRoute(node types.Node) (route, bool) {
	scheme, ok := proxyScheme(node.Protocol)
	if !ok {
		return route{}, false
	}
	return route{scheme: scheme, addr: net.JoinHostPort(node.Server, strconv.Itoa(node.Port))}, true
}

// boundRoute 经由节点绑定的本地端口。只有 Controller 在这些端口上真正运行监听时才可用。
func boundRoute(host string, node types.Node) (route, bool) {
	if !node.Bound() {
		return route{}, false
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if node.HTTPPort > 0 {
		return route{scheme: "http", addr: net.JoinHostPort(host, strconv.Itoa(node.HTTPPort))}, true
	}
	return route{scheme: "socks5", addr: net.JoinHostPort(host, strconv.Itoa(node.SOCKSPort))}, true
}

func (r route) client() (*http.Client, error) {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}
	switch r.scheme {
	case "http":
		proxyURL, err := url.Parse("http://" + r.addr)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", r.addr, nil, &net.Dialer{})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", r.scheme)
	}
	return &http.Client{Transport: transport}, nil
}

// ProxiedProber 对 http/socks5 节点，把测试 URL 请求经由节点本身发出；
// 其它协议的节点需要隧道客户端，交给 Fallback (默认 DialProber)。
// 选择哪种方式只取决于节点协议，同一轮测试里的节点可以互相比较。
type ProxiedProber struct {
	TestURL  string
	Fallback Prober
}

func (p *ProxiedProber) Probe(ctx context.Context, node types.Node, testURL string) types.TestOutcome {
	rt, ok := directRoute(node)
	if !ok {
		fb := p.Fallback
		if fb == nil {
			fb = DialProber{}
		}
		return fb.Probe(ctx, node, testURL)
	}
	if testURL == "" {
		testURL = p.TestURL
	}
	return fetch(ctx, rt, testURL)
}

func fetch(ctx context.Context, rt route, target string) types.TestOutcome {
	client, err := rt.client()
	if err != nil {
		return types.TestOutcome{Success: false, Error: err.Error(), Timestamp: time.Now()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return types.TestOutcome{Success: false, Error: err.Error(), Timestamp: time.Now()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return types.TestOutcome{Success: false, Latency: latency, Error: err.Error(), Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return types.TestOutcome{
			Success:   false,
			Latency:   latency,
			Error:     fmt.Sprintf("received non-successful status code: %d", resp.StatusCode),
			Timestamp: time.Now(),
		}
	}
	return types.TestOutcome{Success: true, Latency: latency, Timestamp: time.Now()}
}

// HTTPSpeedProber 经由节点下载 URL，最多读取 MaxBytes 字节，计算下载速率。
// http/socks5 节点直接经由节点本身；其它节点只有在 Forwarding 为 true
// (绑定端口上有本地代理在监听) 且已绑定时才能测速。
type HTTPSpeedProber struct {
	URL        string
	MaxBytes   int64
	Host       string
	Forwarding bool
}

func (s *HTTPSpeedProber) routeFor(node types.Node) (route, bool) {
	if rt, ok := directRoute(node); ok {
		return rt, true
	}
	if s.Forwarding {
		return boundRoute(s.Host, node)
	}
	return route{}, false
}

func (s *HTTPSpeedProber) Measure(ctx context.Context, node types.Node) types.SpeedOutcome {
	rt, ok := s.routeFor(node)
	if !ok {
		return types.SpeedOutcome{Error: "no proxy route to measure node throughput", Timestamp: time.Now()}
	}
	client, err := rt.client()
	if err != nil {
		return types.SpeedOutcome{Error: err.Error(), Timestamp: time.Now()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return types.SpeedOutcome{Error: err.Error(), Timestamp: time.Now()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return types.SpeedOutcome{Error: err.Error(), Timestamp: time.Now()}
	}
	defer resp.Body.Close()
	firstByte := time.Since(start)

	limit := s.MaxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, limit))
	elapsed := time.Since(start)
	if err != nil && n == 0 {
		return types.SpeedOutcome{Error: err.Error(), Latency: firstByte, Timestamp: time.Now()}
	}
	return types.SpeedOutcome{
		DownloadSpeed: mbps(n, elapsed),
		Latency:       firstByte,
		Timestamp:     time.Now(),
	}
}

func mbps(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes*8) / elapsed.Seconds() / 1e6
}
