package sdpclean

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:abcdefghijklmnopqrstuvwx\r\n" +
	"a=mid:0\r\n" +
	"a=sctp-port:5000\r\n" +
	"a=max-message-size:262144\r\n"

func TestSanitizeRemovesMaxMessageSize(t *testing.T) {
	out := Sanitize(offer)

	assert.NotContains(t, out, "max-message-size")
	assert.Contains(t, out, "a=sctp-port:5000")

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal([]byte(out)))
	require.Len(t, desc.MediaDescriptions, 1)
	_, ok := desc.MediaDescriptions[0].Attribute("mid")
	assert.True(t, ok)
}

func TestSanitizeUnparseableFallsBackToLines(t *testing.T) {
	raw := "not really sdp\na=max-message-size:1024\na=keep:me"

	out := Sanitize(raw)

	assert.Equal(t, "not really sdp\na=keep:me", out)
}

func TestSanitizeLeavesCleanInputAlone(t *testing.T) {
	clean := strings.Replace(offer, "a=max-message-size:262144\r\n", "", 1)
	assert.Equal(t, clean, Sanitize(clean))
	assert.Equal(t, "", Sanitize(""))
}

func TestSanitizeIsIdempotent(t *testing.T) {
	once := Sanitize(offer)
	assert.Equal(t, once, Sanitize(once))
}
