package transfer

import (
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/mailporter/mailporter/internal/gmail"
)

func TestDeriveFlags(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   []imapv2.Flag
	}{
		{"read message", []string{"INBOX"}, []imapv2.Flag{imapv2.FlagSeen}},
		{"unread message", []string{"INBOX", "UNREAD"}, nil},
		{"read and starred", []string{"INBOX", "STARRED"}, []imapv2.Flag{imapv2.FlagSeen, imapv2.FlagFlagged}},
		{"unread and starred", []string{"UNREAD", "STARRED"}, []imapv2.Flag{imapv2.FlagFlagged}},
		{"no labels", nil, []imapv2.Flag{imapv2.FlagSeen}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deriveFlags(tt.labels)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("deriveFlags(%v) mismatch (-want +got):\n%s", tt.labels, diff)
			}
		})
	}
}

func TestInternalDate(t *testing.T) {
	raw := []byte("From: a@example.com\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\n\r\nbody\r\n")
	got := internalDate(raw)
	want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.FixedZone("", -7*3600))
	if !got.Equal(want) {
		t.Errorf("internalDate = %v, want %v", got, want)
	}
}

func TestInternalDateMissingHeader(t *testing.T) {
	raw := []byte("From: a@example.com\r\n\r\nbody\r\n")
	if got := internalDate(raw); !got.IsZero() {
		t.Errorf("internalDate = %v, want zero for missing header", got)
	}
}

func TestInternalDateMalformed(t *testing.T) {
	raw := []byte("From: a@example.com\r\nDate: yesterday-ish\r\n\r\nbody\r\n")
	if got := internalDate(raw); !got.IsZero() {
		t.Errorf("internalDate = %v, want zero for malformed header", got)
	}
}

func TestBuildMessage(t *testing.T) {
	raw := &gmail.RawMessage{
		ID:       "m1",
		LabelIDs: []string{"INBOX", "STARRED"},
		Raw:      []byte("From: a@example.com\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\n\r\nhello\r\n"),
	}
	msg := buildMessage(raw)

	if string(msg.Raw) != string(raw.Raw) {
		t.Error("raw bytes must pass through untouched")
	}
	wantFlags := []imapv2.Flag{imapv2.FlagSeen, imapv2.FlagFlagged}
	if diff := cmp.Diff(wantFlags, msg.Flags); diff != "" {
		t.Errorf("flags mismatch (-want +got):\n%s", diff)
	}
	if msg.InternalDate.IsZero() {
		t.Error("internal date should come from the Date header")
	}
}
