// Package sdpclean removes SDP attributes that break interop between
// browser and pion data channel stacks.
package sdpclean

import (
	"strings"

	"github.com/pion/sdp/v3"
)

const maxMessageSize = "max-message-size"

// Sanitize strips every a=max-message-size attribute from raw. Descriptions
// pion cannot parse are filtered line by line instead.
func Sanitize(raw string) string {
	if raw == "" || !strings.Contains(raw, maxMessageSize) {
		return raw
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return filterLines(raw)
	}

	desc.Attributes = dropAttr(desc.Attributes)
	for _, m := range desc.MediaDescriptions {
		m.Attributes = dropAttr(m.Attributes)
	}

	out, err := desc.Marshal()
	if err != nil {
		return filterLines(raw)
	}
	return string(out)
}

func dropAttr(attrs []sdp.Attribute) []sdp.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if a.Key == maxMessageSize {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func filterLines(raw string) string {
	sep := "\r\n"
	if !strings.Contains(raw, sep) {
		sep = "\n"
	}
	lines := strings.Split(raw, sep)
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "a="+maxMessageSize) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, sep)
}
