package sysinfo

import (
	"net"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestVersion(t *testing.T) {
	t.Logf("Version: %s", Version)

	if Version == "dev" {
		t.Error("Version should not be plain 'dev' - enhanceDevVersion should have been called")
	}

	validFormats := []string{
		"dev-", // dev-abc1234, dev-abc1234-dirty, dev-20060102-150405
		"v",    // v1.0.0
	}

	hasValidFormat := false
	for _, prefix := range validFormats {
		if strings.HasPrefix(Version, prefix) {
			hasValidFormat = true
			break
		}
	}

	if !hasValidFormat {
		t.Errorf("Version %q has unexpected format", Version)
	}
}

func TestEnhanceDevVersion(t *testing.T) {
	version := enhanceDevVersion()
	t.Logf("Enhanced dev version: %s", version)

	if !strings.HasPrefix(version, "dev-") {
		t.Errorf("Enhanced version %q should start with 'dev-'", version)
	}
	if strings.TrimPrefix(version, "dev-") == "" {
		t.Error("Enhanced version should have content after 'dev-'")
	}
}

func TestCollect(t *testing.T) {
	info := Collect()

	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("OS/Arch = %s/%s, want %s/%s", info.OS, info.Arch, runtime.GOOS, runtime.GOARCH)
	}
	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.StartTime.IsZero() || info.StartTime.After(time.Now()) {
		t.Errorf("StartTime = %v", info.StartTime)
	}
	if len(info.IPAddresses) > 10 {
		t.Errorf("len(IPAddresses) = %d, want at most 10", len(info.IPAddresses))
	}
	for _, s := range info.IPAddresses {
		ip := net.ParseIP(s)
		if ip == nil || ip.IsLoopback() {
			t.Errorf("unexpected address %q", s)
		}
	}
}

func TestUptime(t *testing.T) {
	if Uptime() < 0 {
		t.Error("Uptime() is negative")
	}
	if UptimeSeconds() < 0 {
		t.Error("UptimeSeconds() is negative")
	}
	if !StartTime().Equal(startTime) {
		t.Error("StartTime() mismatch")
	}
}
