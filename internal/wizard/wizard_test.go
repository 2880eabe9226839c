package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/unisock/internal/config"
	"github.com/postalsys/unisock/internal/health"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestTransportOptions(t *testing.T) {
	opts := New().transportOptions()
	if len(opts) != 5 {
		t.Fatalf("len(transportOptions()) = %d, want 5", len(opts))
	}
	if opts[0].Value != "udpmux" {
		t.Errorf("first option = %q, want udpmux", opts[0].Value)
	}
	if !strings.HasPrefix(opts[0].Key, "Udpmux") {
		t.Errorf("label = %q, want title-cased transport name", opts[0].Key)
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name  string
		in    Answers
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "udpmux defaults",
			in: Answers{
				Transport: "udpmux",
				Address:   "127.0.0.1:9000",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Transport.Type != "udpmux" {
					t.Errorf("Transport.Type = %s, want udpmux", cfg.Transport.Type)
				}
				if cfg.Health.Enabled {
					t.Error("Health.Enabled = true, want false")
				}
				if cfg.Echo.MaxConns != 1024 {
					t.Errorf("Echo.MaxConns = %d, want 1024 (default)", cfg.Echo.MaxConns)
				}
			},
		},
		{
			name: "websocket with path",
			in: Answers{
				Transport: "ws",
				Address:   "[::1]:8443",
				WSPath:    "/echo",
				TLS:       config.TLSConfig{SelfSigned: true},
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Transport.WSPath != "/echo" {
					t.Errorf("Transport.WSPath = %s, want /echo", cfg.Transport.WSPath)
				}
				if !cfg.Transport.TLS.SelfSigned {
					t.Error("Transport.TLS.SelfSigned = false, want true")
				}
			},
		},
		{
			name: "tls ignored for tcp",
			in: Answers{
				Transport: "tcp",
				Address:   "0.0.0.0:7000",
				WSPath:    "/ignored",
				TLS:       config.TLSConfig{SelfSigned: true},
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Transport.TLS.SelfSigned {
					t.Error("TLS should not be set for tcp")
				}
				if cfg.Transport.WSPath != "/unisock" {
					t.Errorf("Transport.WSPath = %s, want default", cfg.Transport.WSPath)
				}
			},
		},
		{
			name: "echo and logging",
			in: Answers{
				Transport:   "udp",
				Address:     "0.0.0.0:7000",
				MaxConns:    16,
				IdleTimeout: 5 * time.Second,
				LogLevel:    "debug",
				LogFormat:   "json",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Echo.MaxConns != 16 {
					t.Errorf("Echo.MaxConns = %d, want 16", cfg.Echo.MaxConns)
				}
				if cfg.Echo.IdleTimeout != 5*time.Second {
					t.Errorf("Echo.IdleTimeout = %v, want 5s", cfg.Echo.IdleTimeout)
				}
				if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
					t.Errorf("Log = %+v, want debug/json", cfg.Log)
				}
			},
		},
		{
			name: "health with auth",
			in: Answers{
				Transport:          "quic",
				Address:            "0.0.0.0:4433",
				HealthEnabled:      true,
				HealthAddress:      "0.0.0.0:9191",
				HealthUsername:     "ops",
				HealthPasswordHash: "$2a$10$abcdefghijklmnopqrstuv",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if !cfg.Health.Enabled || cfg.Health.Address != "0.0.0.0:9191" {
					t.Errorf("Health = %+v", cfg.Health)
				}
				if cfg.Health.BasicAuth.Username != "ops" {
					t.Errorf("BasicAuth.Username = %s, want ops", cfg.Health.BasicAuth.Username)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BuildConfig(tt.in)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("BuildConfig() produced invalid config: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg := BuildConfig(Answers{})
	def := config.Default()

	if cfg.Transport.Type != def.Transport.Type {
		t.Errorf("Transport.Type = %s, want %s", cfg.Transport.Type, def.Transport.Type)
	}
	if cfg.Log.Level != def.Log.Level {
		t.Errorf("Log.Level = %s, want %s", cfg.Log.Level, def.Log.Level)
	}
}

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "unisock.yaml")

	hash, err := health.HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	cfg := BuildConfig(Answers{
		Transport:          "tcp",
		Address:            "127.0.0.1:7000",
		HealthEnabled:      true,
		HealthAddress:      "127.0.0.1:9090",
		HealthUsername:     "ops",
		HealthPasswordHash: hash,
	})

	if err := WriteConfig(cfg, path); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(data), "# unisock configuration") {
		t.Error("config file is missing its header")
	}

	// What the wizard writes must load back.
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Transport.Type != "tcp" || loaded.Health.BasicAuth.PasswordHash != hash {
		t.Errorf("loaded config differs: %+v", loaded)
	}
}

func TestGenerateCertificate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")

	tc, err := GenerateCertificate(dir, "unisock-test", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCertificate() error = %v", err)
	}
	if !tc.HasCertAndKey() {
		t.Fatalf("TLSConfig = %+v, want cert and key", tc)
	}
	for _, p := range []string{tc.Cert, tc.Key} {
		if err := fileExists(p); err != nil {
			t.Error(err)
		}
	}
}

func TestValidators(t *testing.T) {
	if err := validateConfigPath("unisock.yml"); err != nil {
		t.Errorf("validateConfigPath(yml) error = %v", err)
	}
	if err := validateConfigPath("unisock.json"); err == nil {
		t.Error("validateConfigPath(json) should fail")
	}
	if err := validateBindAddr("[::]:9000"); err != nil {
		t.Errorf("validateBindAddr(v6) error = %v", err)
	}
	if err := validateBindAddr("localhost:9000"); err == nil {
		t.Error("validateBindAddr(hostname) should fail")
	}
	if err := validatePositive("0"); err == nil {
		t.Error("validatePositive(0) should fail")
	}
	if !needsTLS("quic") || needsTLS("udpmux") {
		t.Error("needsTLS() mismatch")
	}
}
