package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesModemDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  env: test\nkafka:\n  brokers: [\"localhost:9092\"]\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := cfg.Modem.BaudRates; len(got) != 2 || got[0] != 9600 || got[1] != 115200 {
		t.Fatalf("expected default baud rates [9600 115200], got %v", got)
	}
	if cfg.Modem.SettleDelay != 2*time.Second {
		t.Fatalf("expected settle delay 2s, got %v", cfg.Modem.SettleDelay)
	}
	if cfg.Modem.DialDelay != 3*time.Second {
		t.Fatalf("expected dial delay 3s, got %v", cfg.Modem.DialDelay)
	}
	if cfg.Serializer.Policy != "queue" {
		t.Fatalf("expected queue policy by default, got %q", cfg.Serializer.Policy)
	}
	if cfg.Audio.Device != "plughw:1,0" {
		t.Fatalf("expected default alsa device, got %q", cfg.Audio.Device)
	}
	if cfg.Audio.MaxBytes != 20<<20 {
		t.Fatalf("expected 20 MiB download cap, got %d", cfg.Audio.MaxBytes)
	}
	if got := cfg.Modem.USBIDs; len(got) != 2 || got[0] != "1a86:7523" || got[1] != "10c4:ea60" {
		t.Fatalf("expected CH340 and CP210x usb ids, got %v", got)
	}
	if cfg.Modem.ReadTimeout != 50*time.Millisecond {
		t.Fatalf("expected 50ms read timeout, got %v", cfg.Modem.ReadTimeout)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
serializer:
  policy: reject
modem:
  baud_rates: [115200]
  ring_timeout: 30s
  ports: ["/dev/ttyUSB3"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Serializer.Policy != "reject" {
		t.Fatalf("expected reject policy, got %q", cfg.Serializer.Policy)
	}
	if len(cfg.Modem.BaudRates) != 1 || cfg.Modem.BaudRates[0] != 115200 {
		t.Fatalf("expected overridden baud rates, got %v", cfg.Modem.BaudRates)
	}
	if cfg.Modem.RingTimeout != 30*time.Second {
		t.Fatalf("expected ring timeout 30s, got %v", cfg.Modem.RingTimeout)
	}
	if len(cfg.Modem.Ports) != 1 || cfg.Modem.Ports[0] != "/dev/ttyUSB3" {
		t.Fatalf("expected explicit port list, got %v", cfg.Modem.Ports)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
