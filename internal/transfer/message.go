package transfer

import (
	"bytes"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/mailporter/mailporter/internal/gmail"
	"github.com/mailporter/mailporter/internal/imap"
)

// deriveFlags maps source labels to IMAP flags. A message is \Seen
// unless labeled UNREAD, and \Flagged when labeled STARRED.
func deriveFlags(labelIDs []string) []imapv2.Flag {
	var unread, starred bool
	for _, id := range labelIDs {
		switch id {
		case "UNREAD":
			unread = true
		case "STARRED":
			starred = true
		}
	}

	var flags []imapv2.Flag
	if !unread {
		flags = append(flags, imapv2.FlagSeen)
	}
	if starred {
		flags = append(flags, imapv2.FlagFlagged)
	}
	return flags
}

// internalDate extracts the Date header of a raw message. Returns the
// zero time when the header is missing or malformed; the server then
// assigns its own received date.
func internalDate(raw []byte) time.Time {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return time.Time{}
	}
	h := mail.Header{Header: entity.Header}
	t, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

// buildMessage converts a fetched raw message into its upload form.
func buildMessage(raw *gmail.RawMessage) *imap.Message {
	return &imap.Message{
		Raw:          raw.Raw,
		Flags:        deriveFlags(raw.LabelIDs),
		InternalDate: internalDate(raw.Raw),
	}
}
