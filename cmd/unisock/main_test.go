package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/unisock/internal/certutil"
	"github.com/postalsys/unisock/internal/echo"
	"github.com/postalsys/unisock/internal/health"
	"github.com/postalsys/unisock/internal/metrics"
	"github.com/postalsys/unisock/internal/sysinfo"
	"github.com/postalsys/unisock/internal/transport"
)

const sampleMetrics = `# HELP unisock_datagrams_received_total Total datagrams or messages read
# TYPE unisock_datagrams_received_total counter
unisock_datagrams_received_total{transport="udpmux"} 10
unisock_datagrams_received_total{transport="tcp"} 5
# HELP unisock_bytes_sent_total Total payload bytes written
# TYPE unisock_bytes_sent_total counter
unisock_bytes_sent_total{transport="udpmux"} 2048
# HELP unisock_datagrams_dropped_total Total inbound datagrams dropped by reason
# TYPE unisock_datagrams_dropped_total counter
unisock_datagrams_dropped_total{reason="queue_full",transport="udpmux"} 3
unisock_datagrams_dropped_total{reason="no_listener",transport="udpmux"} 1
# HELP unisock_conns_active Number of live logical connections
# TYPE unisock_conns_active gauge
unisock_conns_active{transport="udpmux"} 2
`

type fakeProvider struct{ stats health.Stats }

func (f fakeProvider) IsRunning() bool     { return true }
func (f fakeProvider) Stats() health.Stats { return f.stats }

func TestSummarizeMetrics(t *testing.T) {
	sum, err := summarizeMetrics(strings.NewReader(sampleMetrics))
	if err != nil {
		t.Fatalf("summarizeMetrics() error = %v", err)
	}

	if sum.DatagramsIn != 15 {
		t.Errorf("DatagramsIn = %v, want 15", sum.DatagramsIn)
	}
	if sum.BytesOut != 2048 {
		t.Errorf("BytesOut = %v, want 2048", sum.BytesOut)
	}
	if sum.Drops["queue_full"] != 3 || sum.Drops["no_listener"] != 1 {
		t.Errorf("Drops = %v", sum.Drops)
	}
}

func TestSummarizeMetrics_Invalid(t *testing.T) {
	if _, err := summarizeMetrics(strings.NewReader("not metrics {{{")); err == nil {
		t.Error("summarizeMetrics() should fail on garbage")
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(
		&health.Stats{Transport: "quic", LocalAddr: "127.0.0.1:4433", Conns: 3, EchoTotal: 1234, Version: "v1.2.0", UptimeSeconds: 7200},
		&metricsSummary{BytesIn: 1500000, Drops: map[string]float64{"queue_full": 2}},
	)

	for _, want := range []string{"Quic on 127.0.0.1:4433", "1,234 total", "1.5 MB in", "queue_full=2", "v1.2.0", "up 2h0m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderStatus() missing %q:\n%s", want, out)
		}
	}
}

func TestFetchStatus(t *testing.T) {
	hash, err := health.HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordReceived("udpmux", 100)
	m.RecordDrop("udpmux", metrics.DropQueueFull)

	cfg := health.DefaultServerConfig()
	cfg.Gatherer = reg
	cfg.BasicAuth = health.BasicAuth{Username: "ops", PasswordHash: hash}
	hs := health.NewServer(cfg, fakeProvider{stats: health.Stats{Transport: "udpmux", Conns: 4}})

	srv := httptest.NewServer(hs.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := fetchStatus(ctx, srv.Client(), statusOptions{url: srv.URL}); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("fetchStatus() without credentials err = %v, want unauthorized", err)
	}

	st, sum, err := fetchStatus(ctx, srv.Client(), statusOptions{url: srv.URL + "/", username: "ops", password: "pw"})
	if err != nil {
		t.Fatalf("fetchStatus() error = %v", err)
	}
	if st.Transport != "udpmux" || st.Conns != 4 {
		t.Errorf("stats = %+v", st)
	}
	if sum.DatagramsIn != 1 || sum.BytesIn != 100 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Drops[metrics.DropQueueFull] != 1 {
		t.Errorf("Drops = %v", sum.Drops)
	}
}

func TestFetchStatus_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := fetchStatus(context.Background(), srv.Client(), statusOptions{url: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("fetchStatus() err = %v, want not running", err)
	}
}

// startEcho binds typ on loopback and serves echo on it until the test ends.
func startEcho(t *testing.T, typ transport.TransportType, opts transport.Options) string {
	t.Helper()
	b, err := transport.Bind(typ, netip.MustParseAddrPort("127.0.0.1:0"), opts)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	es := echo.New(b, echo.Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go es.Serve(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for !es.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return b.LocalAddr().String()
}

func TestSend(t *testing.T) {
	addr := startEcho(t, transport.TransportUDPMux, transport.Options{})

	reply, rtt, err := send(context.Background(), sendOptions{
		transport: "udpmux",
		bind:      "127.0.0.1:0",
		peer:      addr,
		timeout:   3 * time.Second,
	}, []byte("hello"))
	if err != nil {
		t.Fatalf("send() error = %v", err)
	}
	if string(reply) != "hello" {
		t.Errorf("reply = %q, want hello", reply)
	}
	if rtt <= 0 {
		t.Errorf("rtt = %v, want positive", rtt)
	}
}

func TestSend_QUICPinned(t *testing.T) {
	dir := t.TempDir()
	gc, err := certutil.GenerateSelfSigned(certutil.DefaultOptions("send"))
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}
	certPath, keyPath := filepath.Join(dir, "s.crt"), filepath.Join(dir, "s.key")
	if err := gc.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles failed: %v", err)
	}
	tlsConf, err := transport.LoadTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadTLSConfig failed: %v", err)
	}
	addr := startEcho(t, transport.TransportQUIC, transport.Options{TLSConfig: tlsConf})

	base := sendOptions{transport: "quic", bind: "127.0.0.1:0", peer: addr, timeout: 3 * time.Second}

	pinned := base
	pinned.pin = gc.Fingerprint()
	if reply, _, err := send(context.Background(), pinned, []byte("pin")); err != nil || string(reply) != "pin" {
		t.Errorf("pinned send() = %q, %v", reply, err)
	}

	trusted := base
	trusted.caFile = certPath
	if reply, _, err := send(context.Background(), trusted, []byte("ca")); err != nil || string(reply) != "ca" {
		t.Errorf("send() with --ca = %q, %v", reply, err)
	}

	if _, _, err := send(context.Background(), base, []byte("x")); err == nil {
		t.Error("send() without trust should fail verification")
	}
}

func TestSend_InvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		opts sendOptions
	}{
		{name: "transport", opts: sendOptions{transport: "h2", bind: "127.0.0.1:0", peer: "127.0.0.1:1"}},
		{name: "bind", opts: sendOptions{transport: "udp", bind: "nowhere", peer: "127.0.0.1:1"}},
		{name: "peer", opts: sendOptions{transport: "udp", bind: "127.0.0.1:0", peer: "example.com:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := send(context.Background(), tt.opts, []byte("x")); err == nil {
				t.Error("send() should fail")
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := out.String(); got != "unisock "+sysinfo.Version+"\n" {
		t.Errorf("version output = %q", got)
	}
}

func TestCertCommands(t *testing.T) {
	dir := t.TempDir()

	root := rootCmd()
	root.SetArgs([]string{"cert", "generate", "--out", dir, "--cn", "test.local", "--days", "2"})
	if err := root.Execute(); err != nil {
		t.Fatalf("cert generate error = %v", err)
	}

	root = rootCmd()
	root.SetArgs([]string{"cert", "info", dir + "/server.crt"})
	if err := root.Execute(); err != nil {
		t.Fatalf("cert info error = %v", err)
	}

	root = rootCmd()
	root.SetArgs([]string{"cert", "generate", "--out", dir, "--days", "0"})
	if err := root.Execute(); err == nil {
		t.Error("cert generate with --days 0 should fail")
	}
}

func TestBenchCommand(t *testing.T) {
	addr := startEcho(t, transport.TransportUDPMux, transport.Options{})

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"bench", "--bind", "127.0.0.1:0", "--peer", addr, "-n", "2", "--size", "128", "-d", "200ms"})
	if err := root.Execute(); err != nil {
		t.Fatalf("bench error = %v", err)
	}

	for _, want := range []string{"udpmux echo against " + addr, "2 workers", "128 B payload", "round trips:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("bench output missing %q:\n%s", want, out.String())
		}
	}
}

func TestBenchOptions_Invalid(t *testing.T) {
	valid := benchOptions{send: sendOptions{transport: "udp", bind: "127.0.0.1:0", peer: "127.0.0.1:9"}, size: "64"}
	if _, err := valid.config(); err != nil {
		t.Fatalf("config() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*benchOptions)
	}{
		{"transport", func(o *benchOptions) { o.send.transport = "h2" }},
		{"peer", func(o *benchOptions) { o.send.peer = "" }},
		{"size", func(o *benchOptions) { o.size = "lots" }},
		{"too large", func(o *benchOptions) { o.size = "1MB" }},
		{"zero", func(o *benchOptions) { o.size = "0" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			if _, err := o.config(); err == nil {
				t.Error("config() should fail")
			}
		})
	}
}
