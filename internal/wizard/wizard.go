// Package wizard provides an interactive setup wizard for unisock.
package wizard

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/unisock/internal/certutil"
	"github.com/postalsys/unisock/internal/config"
	"github.com/postalsys/unisock/internal/health"
	"github.com/postalsys/unisock/internal/transport"
)

// TLS setup choices.
const (
	tlsNone       = "none"
	tlsSelfSigned = "self-signed"
	tlsGenerate   = "generate"
	tlsExisting   = "existing"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers collects everything the forms ask for.
type Answers struct {
	Transport string
	Address   string
	WSPath    string
	TLS       config.TLSConfig

	MaxConns    int
	IdleTimeout time.Duration

	LogLevel  string
	LogFormat string

	HealthEnabled      bool
	HealthAddress      string
	HealthUsername     string
	HealthPasswordHash string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
	title cases.Caser
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		title: cases.Title(language.English),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	var a Answers
	if err := w.askTransport(&a); err != nil {
		return nil, err
	}

	if needsTLS(a.Transport) {
		if err := w.askTLSSetup(&a, filepath.Dir(configPath)); err != nil {
			return nil, err
		}
	}

	if err := w.askEcho(&a); err != nil {
		return nil, err
	}

	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
              _                    _
  _   _ _ __ (_)___  ___   ___ | | __
 | | | | '_ \| / __|/ _ \ / __|| |/ /
 | |_| | | | | \__ \ (_) | (__ |   <
  \__,_|_| |_|_|___/\___/ \___||_|\_\
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Unified Socket Echo Server - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./unisock.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where to write the configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./unisock.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return configPath, nil
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

// transportOptions lists every transport with a short description.
func (w *Wizard) transportOptions() []huh.Option[string] {
	desc := map[transport.TransportType]string{
		transport.TransportUDPMux:    "many peers on one UDP socket",
		transport.TransportUDP:       "one connected UDP socket per peer",
		transport.TransportTCP:       "stream sockets",
		transport.TransportWebSocket: "binary messages, proxy-friendly",
		transport.TransportQUIC:      "unreliable datagrams over TLS",
	}

	opts := make([]huh.Option[string], 0, len(transport.Types()))
	for _, t := range transport.Types() {
		label := fmt.Sprintf("%s (%s)", w.title.String(string(t)), desc[t])
		opts = append(opts, huh.NewOption(label, string(t)))
	}
	return opts
}

func (w *Wizard) askTransport(a *Answers) error {
	a.Transport = string(transport.TransportUDPMux)
	a.Address = "0.0.0.0:9000"
	a.WSPath = transport.DefaultWSPath

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Transport").
				Description("Choose how peers reach the echo service."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Options(w.transportOptions()...).
				Value(&a.Transport),

			huh.NewInput().
				Title("Bind Address").
				Description("IP address and port, IPv4 or IPv6").
				Placeholder("0.0.0.0:9000").
				Value(&a.Address).
				Validate(validateBindAddr),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.Transport != string(transport.TransportWebSocket) {
		return nil
	}

	pathForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("WebSocket Path").
				Placeholder(transport.DefaultWSPath).
				Value(&a.WSPath).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "/") {
						return fmt.Errorf("path must start with /")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return pathForm.Run()
}

func validateBindAddr(s string) error {
	if _, err := netip.ParseAddrPort(s); err != nil {
		return fmt.Errorf("invalid address (use ip:port)")
	}
	return nil
}

func needsTLS(typ string) bool {
	return typ == string(transport.TransportWebSocket) || typ == string(transport.TransportQUIC)
}

func (w *Wizard) askTLSSetup(a *Answers, baseDir string) error {
	choice := tlsSelfSigned
	if a.Transport == string(transport.TransportWebSocket) {
		choice = tlsNone
	}
	certsDir := filepath.Join(baseDir, "certs")

	opts := []huh.Option[string]{
		huh.NewOption("Self-signed certificate generated at startup", tlsSelfSigned),
		huh.NewOption("Generate a certificate and save it", tlsGenerate),
		huh.NewOption("Use existing certificate files", tlsExisting),
	}
	if a.Transport == string(transport.TransportWebSocket) {
		opts = append([]huh.Option[string]{huh.NewOption("No TLS (plain ws://)", tlsNone)}, opts...)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("QUIC always uses TLS. WebSocket may run without it."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(opts...).
				Value(&choice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	var err error
	switch choice {
	case tlsSelfSigned:
		a.TLS = config.TLSConfig{SelfSigned: true}
	case tlsGenerate:
		a.TLS, err = w.generateCertificates(certsDir)
	case tlsExisting:
		a.TLS, err = w.useExistingCertificates(certsDir)
	}
	return err
}

func (w *Wizard) generateCertificates(certsDir string) (config.TLSConfig, error) {
	commonName := "unisock"
	validDays := "365"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificate").
				Description("A self-signed server certificate will be written to " + certsDir),

			huh.NewInput().
				Title("Common Name").
				Description("Name for the certificate (e.g., hostname)").
				Placeholder("unisock").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Placeholder("365").
				Value(&validDays).
				Validate(validatePositive),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	days, _ := strconv.Atoi(validDays)
	return GenerateCertificate(certsDir, commonName, time.Duration(days)*24*time.Hour)
}

// GenerateCertificate writes a self-signed server certificate and key to
// certsDir and returns the matching TLS settings.
func GenerateCertificate(certsDir, commonName string, validFor time.Duration) (config.TLSConfig, error) {
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to create certs directory: %w", err)
	}

	opts := certutil.DefaultOptions(commonName)
	if validFor > 0 {
		opts.ValidFor = validFor
	}

	cert, err := certutil.GenerateSelfSigned(opts)
	if err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to save certificate: %w", err)
	}

	fmt.Printf("\n✓ Generated server certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n\n", cert.Fingerprint())

	return config.TLSConfig{Cert: certPath, Key: keyPath}, nil
}

func (w *Wizard) useExistingCertificates(certsDir string) (config.TLSConfig, error) {
	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Value(&certPath).
				Validate(fileExists),

			huh.NewInput().
				Title("Private Key File").
				Value(&keyPath).
				Validate(fileExists),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if _, err := certutil.LoadCert(certPath, keyPath); err != nil {
		return config.TLSConfig{}, fmt.Errorf("invalid certificate: %w", err)
	}

	return config.TLSConfig{Cert: certPath, Key: keyPath}, nil
}

func fileExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	return nil
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

func (w *Wizard) askEcho(a *Answers) error {
	maxConns := "1024"
	idle := "60s"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Echo Service").
				Description("Every datagram a peer sends is written back to it."),

			huh.NewInput().
				Title("Max Concurrent Peers").
				Placeholder("1024").
				Value(&maxConns).
				Validate(validatePositive),

			huh.NewInput().
				Title("Idle Timeout").
				Description("Release a peer after this long without traffic").
				Placeholder("60s").
				Value(&idle).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil || d <= 0 {
						return fmt.Errorf("use a positive duration such as 30s or 5m")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.MaxConns, _ = strconv.Atoi(maxConns)
	a.IdleTimeout, _ = time.ParseDuration(idle)
	return nil
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	a.LogLevel = "info"
	a.LogFormat = "text"
	a.HealthEnabled = true
	a.HealthAddress = "127.0.0.1:9090"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&a.LogFormat),

			huh.NewConfirm().
				Title("Enable health and metrics endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.HealthEnabled {
		return nil
	}

	var password string
	healthForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Health Listen Address").
				Value(&a.HealthAddress).
				Validate(func(s string) error {
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),

			huh.NewInput().
				Title("Basic Auth Username").
				Description("Leave empty to disable authentication").
				Value(&a.HealthUsername),

			huh.NewInput().
				Title("Basic Auth Password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	).WithTheme(w.theme)

	if err := healthForm.Run(); err != nil {
		return err
	}

	if a.HealthUsername != "" {
		if password == "" {
			return fmt.Errorf("a password is required when a username is set")
		}
		hash, err := health.HashPassword(password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		a.HealthPasswordHash = hash
	}
	return nil
}

// BuildConfig turns wizard answers into a configuration.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	if a.LogFormat != "" {
		cfg.Log.Format = a.LogFormat
	}

	if a.Transport != "" {
		cfg.Transport.Type = a.Transport
	}
	if a.Address != "" {
		cfg.Transport.Address = a.Address
	}
	if a.Transport == string(transport.TransportWebSocket) && a.WSPath != "" {
		cfg.Transport.WSPath = a.WSPath
	}
	if needsTLS(cfg.Transport.Type) {
		cfg.Transport.TLS = a.TLS
	}

	if a.MaxConns > 0 {
		cfg.Echo.MaxConns = a.MaxConns
	}
	if a.IdleTimeout > 0 {
		cfg.Echo.IdleTimeout = a.IdleTimeout
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled {
		if a.HealthAddress != "" {
			cfg.Health.Address = a.HealthAddress
		}
		cfg.Health.BasicAuth = config.BasicAuthConfig{
			Username:     a.HealthUsername,
			PasswordHash: a.HealthPasswordHash,
		}
	}

	return cfg
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# unisock configuration
# Generated by setup wizard

`
	// The file may hold a password hash.
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Transport:    %s on %s\n", w.title.String(cfg.Transport.Type), cfg.Transport.Address)
	if cfg.Echo.Enabled {
		fmt.Printf("  Echo:         up to %d peers, idle %s\n", cfg.Echo.MaxConns, cfg.Echo.IdleTimeout)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the server:")
	fmt.Printf("    unisock serve -c %s\n", configPath)
	fmt.Println()
}
