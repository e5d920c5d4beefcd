package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	v, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	c := clientConfig(v)
	if c.SubscribeDestination != "/topic/locations" || c.SendDestination != "/app/location" {
		t.Errorf("destinations %q %q", c.SubscribeDestination, c.SendDestination)
	}
	if c.Retry.Base != 5*time.Second || c.Retry.Cap != 30*time.Second || c.Retry.MaxAttempts != 5 {
		t.Errorf("retry %+v", c.Retry)
	}
	src, err := newSource(v)
	if err != nil || src.Name() != "sim" {
		t.Errorf("source %v %v", src, err)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplink.yaml")
	data := "endpoint: ws://broker:9000/ws\nretry:\n  base: 2s\n  max_attempts: 3\nsource:\n  kind: mqtt\n  mqtt:\n    topic: fleet/gps\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("UPLINK_RETRY_CAP", "10s")
	v, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	c := clientConfig(v)
	if c.Endpoint != "ws://broker:9000/ws" || c.Retry.Base != 2*time.Second || c.Retry.MaxAttempts != 3 {
		t.Errorf("config %+v", c)
	}
	if c.Retry.Cap != 10*time.Second {
		t.Errorf("env cap %v", c.Retry.Cap)
	}
	src, err := newSource(v)
	if err != nil || src.Name() != "mqtt" {
		t.Errorf("source %v %v", src, err)
	}
}

func TestUnknownSource(t *testing.T) {
	v, _ := loadConfig("")
	v.Set("source.kind", "carrier-pigeon")
	if _, err := newSource(v); err == nil {
		t.Error("expected error")
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}
