package config

import (
	"strconv"
	"strings"
	"testing"
	"unicode"
)

func loadWith(t *testing.T, key, value string) (Config, error) {
	t.Helper()
	setEnv(t, map[string]string{"DATABASE_URL": "postgres://localhost/test", key: value})
	return Load()
}

func FuzzLoadMaxConditionDepth(f *testing.F) {
	f.Add("")
	f.Add("32")
	f.Add(" 8 ")
	f.Add("0")
	f.Add("-3")
	f.Add("1e3")
	f.Add("99999999999999999999")

	f.Fuzz(func(t *testing.T, value string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		cfg, err := loadWith(t, "MAX_CONDITION_DEPTH", value)
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			if err != nil || cfg.MaxConditionDepth != defaultMaxConditionDepth {
				t.Fatalf("Load() = %d, %v, want default %d", cfg.MaxConditionDepth, err, defaultMaxConditionDepth)
			}
			return
		}

		parsed, parseErr := strconv.Atoi(trimmed)
		if parseErr != nil || parsed < 1 {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for MAX_CONDITION_DEPTH=%q", value)
			}
			return
		}
		if err != nil || cfg.MaxConditionDepth != parsed {
			t.Fatalf("Load() = %d, %v, want %d", cfg.MaxConditionDepth, err, parsed)
		}
	})
}

func FuzzLoadLogFormat(f *testing.F) {
	f.Add("")
	f.Add("json")
	f.Add(" Text ")
	f.Add("xml")
	f.Add("jsonl")

	f.Fuzz(func(t *testing.T, value string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		cfg, err := loadWith(t, "LOG_FORMAT", value)
		want := strings.ToLower(strings.TrimSpace(value))
		if want == "" {
			want = defaultLogFormat
		}
		if want != "json" && want != "text" {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for LOG_FORMAT=%q", value)
			}
			return
		}
		if err != nil || cfg.LogFormat != want {
			t.Fatalf("Load() = %q, %v, want %q", cfg.LogFormat, err, want)
		}
	})
}

func FuzzLoadNotifyChannel(f *testing.F) {
	f.Add("")
	f.Add("condition_events")
	f.Add("  condz events  ")
	f.Add(strings.Repeat("x", 63))
	f.Add(strings.Repeat("x", 64))
	f.Add("bad\nchannel")
	f.Add("événements")

	f.Fuzz(func(t *testing.T, value string) {
		if strings.ContainsRune(value, '\x00') {
			t.Skip()
		}

		cfg, err := loadWith(t, "NOTIFY_CHANNEL", value)
		want := strings.TrimSpace(value)
		if want == "" {
			want = defaultNotifyChannel
		}
		if len(want) > maxIdentifierLength || strings.ContainsFunc(want, unicode.IsControl) {
			if err == nil {
				t.Fatalf("Load() error = nil, want non-nil for NOTIFY_CHANNEL=%q", value)
			}
			return
		}
		if err != nil || cfg.NotifyChannel != want {
			t.Fatalf("Load() = %q, %v, want %q", cfg.NotifyChannel, err, want)
		}
	})
}
