package transfer

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mailporter/mailporter/internal/gmail"
)

func TestFolderName(t *testing.T) {
	overrides := map[string]string{
		"[Gmail]/Sent Mail": "Sent",
		"[Gmail]/Drafts":    "Drafts",
	}

	tests := []struct {
		name  string
		label string
		want  string
	}{
		{"plain label", "Work", "Work"},
		{"override wins", "[Gmail]/Sent Mail", "Sent"},
		{"slash flattened", "Projects/Acme", "Projects_Acme"},
		{"backslash flattened", "Old\\Archive", "Old_Archive"},
		{"nested slashes", "a/b/c", "a_b_c"},
		{"whitespace trimmed", "  Receipts ", "Receipts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FolderName(tt.label, overrides); got != tt.want {
				t.Errorf("FolderName(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}

func TestFolderNameIdempotent(t *testing.T) {
	labels := []string{"Work", "Projects/Acme", "a/b\\c", "[Gmail]/Spam", "  x  "}
	for _, label := range labels {
		once := FolderName(label, nil)
		twice := FolderName(once, nil)
		if once != twice {
			t.Errorf("FolderName not idempotent for %q: %q then %q", label, once, twice)
		}
	}
}

func TestTransferable(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"INBOX", true},
		{"Label_1", true},
		{"CHAT", false},
		{"CATEGORY_FORUMS", false},
		{"CATEGORY_UPDATES", false},
		{"CATEGORY_PROMOTIONS", false},
		{"CATEGORY_SOCIAL", false},
	}
	for _, tt := range tests {
		l := &gmail.Label{ID: tt.id, Name: tt.id}
		if got := Transferable(l); got != tt.want {
			t.Errorf("Transferable(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestBuildFolderMapping(t *testing.T) {
	labels := []*gmail.Label{
		{ID: "L1", Name: "Work"},
		{ID: "L2", Name: "Projects/Acme"},
		{ID: "CHAT", Name: "Chat"},
		{ID: "L3", Name: "[Gmail]/Sent Mail"},
	}
	overrides := map[string]string{"[Gmail]/Sent Mail": "Sent"}

	got := BuildFolderMapping(labels, overrides)
	want := map[string]string{
		"L1": "Work",
		"L2": "Projects_Acme",
		"L3": "Sent",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}
}
