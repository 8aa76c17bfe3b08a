package config

import "testing"

func validConfig() *Config {
	return &Config{
		Addr:               ":3002",
		MaxConnections:      500,
		StoreBackend:        "memory",
		MaxCommitRetries:    0,
		CPURejectThreshold:  75,
		CPUPauseThreshold:   80,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsUnknownStoreBackend(t *testing.T) {
	c := validConfig()
	c.StoreBackend = "postgres"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}

func TestValidateRejectsInvertedCPUThresholds(t *testing.T) {
	c := validConfig()
	c.CPURejectThreshold = 90
	c.CPUPauseThreshold = 50
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when pause threshold is below reject threshold")
	}
}

func TestValidateRequiresJWTSecretWhenRequired(t *testing.T) {
	c := validConfig()
	c.JWTRequired = true
	c.JWTSecret = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing JWT secret")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}
