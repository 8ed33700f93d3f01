package oauth

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/oauth2"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	return &Manager{
		config:    &oauth2.Config{Scopes: Scopes},
		tokenFile: filepath.Join(t.TempDir(), "tokens", "token.json"),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

var testToken = oauth2.Token{AccessToken: "test", RefreshToken: "refresh", TokenType: "Bearer"}

func TestSaveLoadTokenRoundTrip(t *testing.T) {
	m := setupTestManager(t)

	if m.HasToken() {
		t.Error("HasToken before save should be false")
	}
	if err := m.saveToken(&testToken); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	if !m.HasToken() {
		t.Error("HasToken after save should be true")
	}

	got, err := m.loadToken()
	if err != nil {
		t.Fatalf("loadToken: %v", err)
	}
	if got.AccessToken != testToken.AccessToken || got.RefreshToken != testToken.RefreshToken {
		t.Errorf("loaded token = %+v, want %+v", got, testToken)
	}
}

func TestSaveTokenCreatesDirectory(t *testing.T) {
	m := setupTestManager(t)
	// tokenFile's parent does not exist yet
	if err := m.saveToken(&testToken); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	if _, err := os.Stat(m.TokenPath()); err != nil {
		t.Errorf("token file missing: %v", err)
	}
}

func TestLoadTokenCorruptFile(t *testing.T) {
	m := setupTestManager(t)
	if err := os.MkdirAll(filepath.Dir(m.tokenFile), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.tokenFile, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := m.loadToken(); err == nil {
		t.Fatal("expected error loading corrupt token")
	}
	if m.HasToken() {
		t.Error("HasToken should be false for a corrupt token")
	}
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantCode string
		wantErr  bool
	}{
		{
			name:     "valid callback",
			url:      "/callback?state=good&code=auth-code",
			wantCode: "auth-code",
		},
		{
			name:    "state mismatch",
			url:     "/callback?state=evil&code=auth-code",
			wantErr: true,
		},
		{
			name:    "missing code",
			url:     "/callback?state=good",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := setupTestManager(t)
			codeChan := make(chan string, 1)
			errChan := make(chan error, 1)
			handler := m.newCallbackHandler("good", codeChan, errChan)

			handler(httptest.NewRecorder(), httptest.NewRequest("GET", tt.url, nil))

			if tt.wantErr {
				select {
				case err := <-errChan:
					_ = err
				default:
					t.Error("expected an error on errChan")
				}
				return
			}

			select {
			case code := <-codeChan:
				if code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
			default:
				t.Error("expected a code on codeChan")
			}
		})
	}
}
