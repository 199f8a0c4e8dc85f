package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfigs(t *testing.T, cfg, dcfg string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dataconfig.json"), []byte(dcfg), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadConfigs(t *testing.T) {
	dir := writeConfigs(t,
		`{"data_dir":"d","schedule":{"enabled":true,"interval":"1h"},"api":{"addr":":9000"}}`,
		`{"rules":{"max_speed_mph":65},"columns":{"lpep_pickup_datetime":"tpep_pickup_datetime"}}`,
	)

	cfg, dcfg, err := loadConfigs(dir, "config.json", "dataconfig.json")
	if err != nil {
		t.Fatalf("loadConfigs: %v", err)
	}

	if cfg.DataDir != "d" || cfg.API.Addr != ":9000" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if time.Duration(cfg.Schedule.Interval) != time.Hour {
		t.Errorf("interval = %v, want 1h", time.Duration(cfg.Schedule.Interval))
	}
	// 缺省字段保持默认值
	if cfg.Output.Parquet != "yellow_2024_01_clean.parquet" {
		t.Errorf("default parquet name lost: %q", cfg.Output.Parquet)
	}

	rules := dcfg.GetRules()
	if rules.MaxSpeedMph != 65 {
		t.Errorf("max speed = %v, want 65", rules.MaxSpeedMph)
	}
	if rules.MaxFare != 500 {
		t.Errorf("default max fare lost: %v", rules.MaxFare)
	}
	if got := dcfg.CanonicalColumn("lpep_pickup_datetime"); got != "tpep_pickup_datetime" {
		t.Errorf("alias = %q", got)
	}
	if got := dcfg.CanonicalColumn("trip_distance"); got != "trip_distance" {
		t.Errorf("non-aliased column changed: %q", got)
	}
	if dcfg.PaymentName("1") != "Credit Card" {
		t.Errorf("payment name = %q", dcfg.PaymentName("1"))
	}
}

func TestLoadConfigsEnvOverride(t *testing.T) {
	dir := writeConfigs(t, `{}`, `{}`)
	t.Setenv("TAXI_API_ADDR", ":7777")
	t.Setenv("TAXI_MAX_SPEED_MPH", "42.5")

	cfg, dcfg, err := loadConfigs(dir, "config.json", "dataconfig.json")
	if err != nil {
		t.Fatalf("loadConfigs: %v", err)
	}
	if cfg.API.Addr != ":7777" {
		t.Errorf("addr = %q", cfg.API.Addr)
	}
	if dcfg.GetRules().MaxSpeedMph != 42.5 {
		t.Errorf("max speed = %v", dcfg.GetRules().MaxSpeedMph)
	}
}

func TestLoadConfigsErrors(t *testing.T) {
	dir := writeConfigs(t, `{"data_dir":`, `{"rules":[]}`)
	if _, _, err := loadConfigs(dir, "config.json", "dataconfig.json"); err == nil {
		t.Fatal("expected error for malformed json")
	}

	if _, _, err := loadConfigs(t.TempDir(), "config.json", "dataconfig.json"); err == nil {
		t.Fatal("expected error for missing files")
	}

	t.Setenv("TAXI_MAX_SPEED_MPH", "fast")
	dir = writeConfigs(t, `{}`, `{}`)
	if _, _, err := loadConfigs(dir, "config.json", "dataconfig.json"); err == nil {
		t.Fatal("expected error for invalid env override")
	}
}

func TestLoadConfigKeepsError(t *testing.T) {
	once = sync.Once{}
	t.Cleanup(func() {
		once = sync.Once{}
		instance, dataConfigInstance, loadErr = nil, nil, nil
	})

	missing := t.TempDir()
	if _, _, err := LoadConfig(missing, "config.json", "dataconfig.json"); err == nil {
		t.Fatal("first load: expected error for missing files")
	}
	cfg, dcfg, err := LoadConfig(missing, "config.json", "dataconfig.json")
	if err == nil {
		t.Fatal("second load returned nil error after failed first load")
	}
	if cfg != nil || dcfg != nil {
		t.Errorf("second load = %v, %v", cfg, dcfg)
	}
}
