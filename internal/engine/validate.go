package engine

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	maxChannelLen = 200
	maxNoteChars  = 300
)

// channelPrefixes are the channel type prefixes a name may start with.
const channelPrefixes = "#&+!"

// ValidateChannelName rejects strings that cannot be IRC channel names.
func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("empty channel name")
	}
	if !strings.ContainsRune(channelPrefixes, rune(name[0])) {
		return fmt.Errorf("channel name %q must start with one of %s", name, channelPrefixes)
	}
	if len(name) > maxChannelLen {
		return fmt.Errorf("channel name too long (%d > %d)", len(name), maxChannelLen)
	}
	for _, r := range name {
		if r == ' ' || r == ',' || r == '\a' || unicode.IsControl(r) {
			return fmt.Errorf("channel name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// sanitizeNote trims a mark or opt-out text, drops control characters and
// caps its length.
func sanitizeNote(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > maxNoteChars {
		text = string(r[:maxNoteChars])
	}
	return text
}
