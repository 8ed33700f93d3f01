// Package transfer moves messages from a Gmail account to an IMAP
// server through a two-stage, resumable pipeline.
package transfer

import (
	"strings"

	"github.com/mailporter/mailporter/internal/gmail"
)

// FolderName maps a label display name to its destination folder name.
// Configured overrides win verbatim. Otherwise path separators are
// flattened so the label becomes a single folder level, and a stray
// "[Gmail]/" prefix is dropped in case no override covered it.
func FolderName(label string, overrides map[string]string) string {
	if folder, ok := overrides[label]; ok {
		return folder
	}
	name := strings.ReplaceAll(label, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.TrimPrefix(name, "[Gmail]/")
	return strings.TrimSpace(name)
}

// Transferable reports whether a label takes part in the transfer.
// Chat and the category tabs never do.
func Transferable(l *gmail.Label) bool {
	return !gmail.SystemLabelIDs[l.ID]
}

// BuildFolderMapping returns the label-id to folder-name mapping for
// every transferable label.
func BuildFolderMapping(labels []*gmail.Label, overrides map[string]string) map[string]string {
	mapping := make(map[string]string, len(labels))
	for _, l := range labels {
		if !Transferable(l) {
			continue
		}
		mapping[l.ID] = FolderName(l.Name, overrides)
	}
	return mapping
}
