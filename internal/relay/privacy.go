package relay

import (
	"crypto/sha256"
	"fmt"
)

// PrivacyFilter masks the ops channel listing before it leaves the relay.
// Channel names are persisted session ids, which double as join
// capabilities, so an operator dashboard must not leak them verbatim. The
// zero value is a no-op filter.
type PrivacyFilter struct {
	MaskChannelIDs bool
}

// Apply returns a copy of the entry with masking applied.
func (f *PrivacyFilter) Apply(info ChannelInfo) ChannelInfo {
	masked := info
	if f.MaskChannelIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}
	return masked
}

// FilterSlice returns a new slice with masking applied to each entry. The
// original slice is not modified.
func (f *PrivacyFilter) FilterSlice(infos []ChannelInfo) []ChannelInfo {
	result := make([]ChannelInfo, 0, len(infos))
	for _, info := range infos {
		result = append(result, f.Apply(info))
	}
	return result
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
