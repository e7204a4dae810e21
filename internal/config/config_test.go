package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}

	if cfg.Content.CacheTTL.DurationValue() != 24*time.Hour {
		t.Fatalf("CacheTTL 纯秒值应被解析为 24h，得到 %s", cfg.Content.CacheTTL.DurationValue())
	}
	if cfg.Content.FetchTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("FetchTimeout 应该自动填充默认值")
	}
	if cfg.Content.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts 默认应为 3，得到 %d", cfg.Content.MaxAttempts)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Worker.StoreName() != "blog-cache-v2.0.1" {
		t.Fatalf("unexpected store name: %s", cfg.Worker.StoreName())
	}
	if len(cfg.Worker.CoreAssets) != 5 {
		t.Fatalf("核心资源应使用默认列表，得到 %v", cfg.Worker.CoreAssets)
	}
	if !cfg.Worker.AutoSkipWaiting {
		t.Fatalf("AutoSkipWaiting 默认应开启")
	}
	if cfg.Worker.RevalidateRPS != 0 {
		t.Fatalf("RevalidateRPS 默认不限速，得到 %v", cfg.Worker.RevalidateRPS)
	}
	if cfg.Content.RecoverInterval.DurationValue() != time.Minute {
		t.Fatalf("RecoverInterval 默认应为 1m，得到 %s", cfg.Content.RecoverInterval.DurationValue())
	}
	if cfg.ManifestURL() != "http://127.0.0.1:8000/nav_data.json" {
		t.Fatalf("unexpected manifest url: %s", cfg.ManifestURL())
	}
}

func TestValidateRejectsBadOrigin(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRequiresCacheVersion(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.CacheVersion = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("缺少 CacheVersion 应报错")
	}
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "Worker.CacheVersion" {
		t.Fatalf("expected FieldError on Worker.CacheVersion, got %v", err)
	}
}

func TestValidateCoreAssetPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.CoreAssets = []string{"/", "style.css"}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("相对路径核心资源应报错")
	}
	if fieldErr, ok := err.(FieldError); !ok || fieldErr.Field != "Worker.CoreAssets[1]" {
		t.Fatalf("expected indexed field error, got %v", err)
	}
}

func TestStorageBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		backend   string
		dsn       string
		shouldErr bool
	}{
		{"file ok", "file", "", false},
		{"memory ok", "memory", "", false},
		{"sqlite ok", "sqlite", "", false},
		{"disabled ok", "disabled", "", false},
		{"redis with dsn", "redis", "redis://127.0.0.1:6379/0", false},
		{"redis missing dsn", "redis", "", true},
		{"unsupported", "indexeddb", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Storage.Backend = tc.backend
			cfg.Storage.DSN = tc.dsn
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for backend %q", tc.backend)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for backend %q: %v", tc.backend, err)
			}
		})
	}
}

func TestValidateRetryPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Content.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("MaxAttempts 为 0 应报错")
	}

	cfg = validConfig()
	cfg.Content.RecoverInterval = Duration(-time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("RecoverInterval 为负数应报错")
	}
}

func validConfig() *Config {
	cfg := &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Origin: OriginConfig{Upstream: "http://127.0.0.1:8000"},
		Worker: WorkerConfig{
			CacheVersion: "v1",
			CoreAssets:   []string{"/", "/index.html"},
		},
		Storage: StorageConfig{Backend: "memory"},
	}
	applyDefaults(cfg)
	return cfg
}
