package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AppPort != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.AppPort)
	}
	if cfg.RowBatchSize != 2000 {
		t.Errorf("expected default row batch size 2000, got %d", cfg.RowBatchSize)
	}
	if cfg.PreviewSampleSize != 5 {
		t.Errorf("expected default preview sample size 5, got %d", cfg.PreviewSampleSize)
	}
	if cfg.CommitLockTimeout != 30*time.Second {
		t.Errorf("expected default lock timeout 30s, got %s", cfg.CommitLockTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DB_DATABASE", "campus_test")
	t.Setenv("ROW_BATCH_SIZE", "500")
	t.Setenv("COMMIT_LOCK_TIMEOUT", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBDatabase != "campus_test" {
		t.Errorf("expected campus_test, got %s", cfg.DBDatabase)
	}
	if cfg.RowBatchSize != 500 {
		t.Errorf("expected 500, got %d", cfg.RowBatchSize)
	}
	if cfg.CommitLockTimeout != 10*time.Second {
		t.Errorf("expected 10s, got %s", cfg.CommitLockTimeout)
	}
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{
		DBUsername: "campus",
		DBPassword: "secret",
		DBHost:     "127.0.0.1",
		DBPort:     "3306",
		DBDatabase: "campus_import",
	}
	want := "campus:secret@tcp(127.0.0.1:3306)/campus_import?parseTime=true&loc=Local"
	if got := cfg.GetDSN(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
