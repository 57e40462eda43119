package sip

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBranchHasMagicCookieAndNoBase64Padding(t *testing.T) {
	for i := 0; i < 100; i++ {
		branch := GenerateBranch()
		require.True(t, strings.HasPrefix(branch, RFC3261BranchMagicCookie+"-"))
		assertNoDisallowedBase64Chars(t, branch)
	}
}

func TestGenerateTagIsMonotonicAndInjective(t *testing.T) {
	seen := make(map[string]bool)
	var prevTag string
	for i := 0; i < 50; i++ {
		tag := GenerateTag()
		assert.False(t, seen[tag], "tag %q repeated", tag)
		seen[tag] = true
		assertNoDisallowedBase64Chars(t, tag)
		if prevTag != "" {
			assert.Equal(t, tagCounterValue(t, prevTag)+1, tagCounterValue(t, tag), "tag %q does not follow %q", tag, prevTag)
		}
		prevTag = tag
	}
}

func tagCounterValue(t *testing.T, tag string) uint64 {
	t.Helper()
	b, err := idEncoding.DecodeString(tag)
	require.NoError(t, err)
	require.Len(t, b, 8)
	return binary.BigEndian.Uint64(b)
}

func TestGenerateCallIDInjective(t *testing.T) {
	a := GenerateCallID()
	b := GenerateCallID()
	assert.NotEqual(t, a, b)
	assertNoDisallowedBase64Chars(t, a)
	assertNoDisallowedBase64Chars(t, b)
}

func TestGenerateCSeqNeverZero(t *testing.T) {
	for i := 0; i < 200; i++ {
		v := GenerateCSeq()
		assert.NotZero(t, v)
		assert.LessOrEqual(t, v, uint32(65535))
	}
}

func assertNoDisallowedBase64Chars(t *testing.T, s string) {
	t.Helper()
	assert.False(t, strings.ContainsAny(s, "/+="), "id %q contains disallowed base64 characters", s)
}

func TestDialogIDFromResponseAndRequestAgree(t *testing.T) {
	req := NewRequest(INVITE, Uri{Scheme: "sip", User: "bob", Host: "biloxi.com"})
	callID := CallIDHeader("abc123@atlanta.com")
	req.AppendHeader(&callID)
	req.AppendHeader(&FromHeader{Address: Uri{User: "alice", Host: "atlanta.com"}, Params: HeaderParams{{K: "tag", V: "localtag"}}})
	req.AppendHeader(&ToHeader{Address: Uri{User: "bob", Host: "biloxi.com"}})

	res := NewResponseFromRequest(req, StatusOK, "OK", nil)
	to := res.To()
	to.Params.Add("tag", "remotetag")

	id, err := DialogIDFromResponse(req, res)
	require.NoError(t, err)
	assert.Equal(t, DialogIDMake("abc123@atlanta.com", "localtag", "remotetag"), id)
}
