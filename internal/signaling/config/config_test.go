package config

import (
	"testing"
	"time"
)

func noEnv(string) string { return "" }

func TestLoadArgsDefaults(t *testing.T) {
	cfg, err := LoadArgs(nil, noEnv)
	if err != nil {
		t.Fatalf("LoadArgs() error = %v", err)
	}
	if cfg.Port != 5060 {
		t.Errorf("Port = %d, want 5060", cfg.Port)
	}
	if cfg.AnnouncementDuration != 3*time.Second {
		t.Errorf("AnnouncementDuration = %v, want 3s", cfg.AnnouncementDuration)
	}
	if cfg.RingbackFreq1 != 440 || cfg.RingbackFreq2 != 480 {
		t.Errorf("ringback = %v/%v, want 440/480", cfg.RingbackFreq1, cfg.RingbackFreq2)
	}
	if cfg.AdvertiseAddr == "" {
		t.Error("AdvertiseAddr not auto-detected")
	}
	if cfg.RegisterAccount {
		t.Error("RegisterAccount = true by default")
	}
}

func TestLoadArgsFlagsAndEnv(t *testing.T) {
	env := map[string]string{
		"PORT":             "5070",
		"ACCOUNT_PASSWORD": "s3cret",
		"REGISTER_ACCOUNT": "true",
		"ADVERTISE":        "192.0.2.1",
	}
	args := []string{
		"-port", "5080",
		"-destination", "sip:2000@pbx.example.com",
		"-account-user", "1000",
		"-account-host", "pbx.example.com",
		"-ringback-on", "1s",
	}

	cfg, err := LoadArgs(args, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("LoadArgs() error = %v", err)
	}
	if cfg.Port != 5070 {
		t.Errorf("Port = %d, want env override 5070", cfg.Port)
	}
	if cfg.Destination != "sip:2000@pbx.example.com" {
		t.Errorf("Destination = %q", cfg.Destination)
	}
	if cfg.AccountPassword != "s3cret" || !cfg.RegisterAccount {
		t.Errorf("account = %q/%v, want env values", cfg.AccountPassword, cfg.RegisterAccount)
	}
	if cfg.AdvertiseAddr != "192.0.2.1" {
		t.Errorf("AdvertiseAddr = %q, want 192.0.2.1", cfg.AdvertiseAddr)
	}
	if cfg.RingbackOn != time.Second {
		t.Errorf("RingbackOn = %v, want 1s", cfg.RingbackOn)
	}
}

func TestValidate(t *testing.T) {
	base, err := LoadArgs([]string{"-advertise", "127.0.0.1"}, noEnv)
	if err != nil {
		t.Fatalf("LoadArgs() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 70000 }},
		{"rtp range", func(c *Config) { c.RTPPortMin, c.RTPPortMax = 20000, 10000 }},
		{"negative announcement", func(c *Config) { c.AnnouncementDuration = -time.Second }},
		{"ringback", func(c *Config) { c.RingbackOn = 0 }},
		{"dial timeout", func(c *Config) { c.DialTimeout = 0 }},
		{"register without host", func(c *Config) { c.RegisterAccount = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}

	if _, err := LoadArgs([]string{"-rtp-port-min", "30000", "-rtp-port-max", "100"}, noEnv); err == nil {
		t.Error("LoadArgs() accepted an inverted port range")
	}
}
