package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[gmail]
credentials_file = "/etc/mailporter/credentials.json"

[imap]
server = "mail.example.com"
port = 993
username = "user@example.com"
password = "hunter2"
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.IMAP.Server != "mail.example.com" || cfg.IMAP.Port != 993 {
		t.Errorf("imap = %+v", cfg.IMAP)
	}
	if !cfg.IMAP.UseSSL {
		t.Error("use_ssl should default to true")
	}
	if cfg.Settings.BatchSize != 50 || cfg.Settings.ProgressSaveInterval != 50 {
		t.Errorf("settings defaults = %+v", cfg.Settings)
	}
	if cfg.Settings.ProgressFile != "transfer_progress.json" {
		t.Errorf("progress_file default = %q", cfg.Settings.ProgressFile)
	}
	if cfg.Settings.RateLimitQPS != 5 {
		t.Errorf("rate_limit_qps default = %v", cfg.Settings.RateLimitQPS)
	}
	if cfg.Gmail.TokenFile != "/etc/mailporter/token.json" {
		t.Errorf("token_file should default next to credentials, got %q", cfg.Gmail.TokenFile)
	}
}

func TestLoadFullOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[gmail]
credentials_file = "/c/creds.json"
token_file = "/c/tok.json"

[imap]
server = "imap.example.com"
port = 143
username = "u"
password = "p"
use_ssl = false

[settings]
batch_size = 10
gmail_batch_size = 25
progress_save_interval = 5
progress_file = "state.json"
rate_limit_qps = 2.5

[settings.label_mappings]
"[Gmail]/Sent Mail" = "Sent"
"Projects/Acme" = "Acme"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.IMAP.UseSSL {
		t.Error("use_ssl = true, want explicit false to stick")
	}
	if cfg.Settings.BatchSize != 10 || cfg.Settings.RateLimitQPS != 2.5 {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	want := map[string]string{
		"[Gmail]/Sent Mail": "Sent",
		"Projects/Acme":     "Acme",
	}
	if diff := cmp.Diff(want, cfg.Settings.LabelMappings); diff != "" {
		t.Errorf("label_mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantIn   string
	}{
		{
			name: "no credentials",
			contents: `
[imap]
server = "s"
port = 993
username = "u"
password = "p"
`,
			wantIn: "gmail.credentials_file",
		},
		{
			name: "no imap server",
			contents: `
[gmail]
credentials_file = "/c.json"

[imap]
port = 993
username = "u"
password = "p"
`,
			wantIn: "imap.server",
		},
		{
			name: "no port",
			contents: `
[gmail]
credentials_file = "/c.json"

[imap]
server = "s"
username = "u"
password = "p"
`,
			wantIn: "imap.port",
		},
		{
			name: "no password",
			contents: `
[gmail]
credentials_file = "/c.json"

[imap]
server = "s"
port = 993
username = "u"
`,
			wantIn: "imap.password",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.contents))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantIn) {
				t.Errorf("error %q does not name %q", err, tt.wantIn)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/creds.json"); got != filepath.Join(home, "creds.json") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/abs/creds.json"); got != "/abs/creds.json" {
		t.Errorf("absolute path must pass through, got %q", got)
	}
	if got := expandPath(""); got != "" {
		t.Errorf("empty path must pass through, got %q", got)
	}
}
