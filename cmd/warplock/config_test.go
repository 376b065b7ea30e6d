package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
)

func TestExtractPort(t *testing.T) {
	cases := map[string]int{
		"":                      6379,
		"6380":                  6380,
		" 7000 ":                7000,
		"tcp://10.0.0.5:6381":   6381,
		"tcp://redis":           6379,
		"redis://user@host:999": 999,
	}
	for in, want := range cases {
		got, err := extractPort(in)
		if err != nil {
			t.Fatalf("extractPort(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("extractPort(%q) = %d, want %d", in, got, want)
		}
	}
	for _, bad := range []string{"abc", "0", "70000", "tcp://host:port"} {
		if _, err := extractPort(bad); err == nil {
			t.Fatalf("extractPort(%q) should fail", bad)
		}
	}
}

func TestRedisAddrFromEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "tcp://172.17.0.3:6390")
	initConfig()

	addr, err := redisAddr()
	if err != nil {
		t.Fatalf("redisAddr: %v", err)
	}
	if addr != "redis.internal:6390" {
		t.Fatalf("unexpected addr %s", addr)
	}

	viper.Set("redis-addr", "127.0.0.1:1234")
	if addr, _ := redisAddr(); addr != "127.0.0.1:1234" {
		t.Fatalf("--redis-addr should win, got %s", addr)
	}
}

func TestRedisAddrDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	addr, err := redisAddr()
	if err != nil {
		t.Fatalf("redisAddr: %v", err)
	}
	if addr != "localhost:6379" {
		t.Fatalf("unexpected addr %s", addr)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("debug"); err != nil {
		t.Fatalf("debug: %v", err)
	}
	if _, err := newLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("warplock %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestCommandsAgainstRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	addr := "--redis-addr=" + mr.Addr()

	if out := run(t, "lock", "job", addr, "--description=nightly", "--timeout=1s"); !strings.Contains(out, "acquired=true") {
		t.Fatalf("lock: %s", out)
	}
	if v, _ := mr.Get("LOCK_job"); v != "nightly" {
		t.Fatalf("expected record, got %q", v)
	}
	if out := run(t, "status", "job", addr); !strings.Contains(out, `held=true record="nightly"`) {
		t.Fatalf("status: %s", out)
	}
	if out := run(t, "unlock", "job", addr); !strings.Contains(out, "released=true") {
		t.Fatalf("unlock: %s", out)
	}
	if out := run(t, "lock", "report", addr, "--lease", "--lease-time=3s"); !strings.Contains(out, "acquired=true") {
		t.Fatalf("lease lock: %s", out)
	}
	_ = mr.Set("LOCK_other", "stale")
	if out := run(t, "sweep", addr); !strings.Contains(out, "swept=2") {
		t.Fatalf("sweep: %s", out)
	}
	if mr.Exists("LOCK_report") || mr.Exists("LOCK_other") {
		t.Fatal("sweep left keys behind")
	}
}

func TestVersionCommand(t *testing.T) {
	if out := run(t, "version"); !strings.Contains(out, "warplock v"+version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRedisOptionsRejectsEmptyPrefix(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("redis-addr", "127.0.0.1:6379")
	viper.Set("prefix", "")
	if _, err := redisOptions(); err == nil {
		t.Fatal("expected error for empty prefix")
	}
	viper.Set("prefix", "jobs:")
	opts, err := redisOptions()
	if err != nil {
		t.Fatalf("redisOptions: %v", err)
	}
	if opts.Prefix != "jobs:" || opts.Addr != "127.0.0.1:6379" {
		t.Fatalf("unexpected options %+v", opts)
	}
}
