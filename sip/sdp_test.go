package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=x\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49152 RTP/AVP 0\r\n"

func TestValidateSDPAcceptsSessionLevelConnection(t *testing.T) {
	desc, err := ValidateSDP([]byte(validSDP))
	require.NoError(t, err)
	assert.Equal(t, "x", desc.SessionName)
	require.Len(t, desc.MediaDescriptions, 1)
}

func TestValidateSDPAcceptsMediaLevelConnectionInPlaceOfSessionLevel(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=x\r\n" +
		"t=0 0\r\n" +
		"m=audio 49152 RTP/AVP 0\r\n" +
		"c=IN IP4 192.0.2.1\r\n"

	_, err := ValidateSDP([]byte(body))
	require.NoError(t, err)
}

func TestValidateSDPRejectsMissingConnectionAtBothLevels(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=x\r\n" +
		"t=0 0\r\n" +
		"m=audio 49152 RTP/AVP 0\r\n"

	_, err := ValidateSDP([]byte(body))
	require.Error(t, err)
}

func TestValidateSDPRejectsMissingMediaSection(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=x\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n"

	_, err := ValidateSDP([]byte(body))
	require.Error(t, err)
}

func TestIsSDP(t *testing.T) {
	ct := ContentTypeHeader("application/sdp")
	assert.True(t, IsSDP(&ct))

	other := ContentTypeHeader("text/plain")
	assert.False(t, IsSDP(&other))
	assert.False(t, IsSDP(nil))
}
