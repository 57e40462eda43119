package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserStreamReassemblesSplitMessage(t *testing.T) {
	stream := NewParser().NewSIPStream()

	var got []Message
	cb := func(msg Message) { got = append(got, msg) }

	split := len(sampleInvite) / 2
	err := stream.ParseSIPStream([]byte(sampleInvite[:split]), cb)
	require.NoError(t, err)
	assert.Empty(t, got, "no complete message yet")

	err = stream.ParseSIPStream([]byte(sampleInvite[split:]), cb)
	require.NoError(t, err)
	require.Len(t, got, 1)

	req, ok := got[0].(*Request)
	require.True(t, ok)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, []byte("body"), req.Body())
}

func TestParserStreamHandlesBackToBackMessages(t *testing.T) {
	stream := NewParser().NewSIPStream()

	var got []Message
	err := stream.ParseSIPStream([]byte(sampleInvite+sampleInvite), func(msg Message) {
		got = append(got, msg)
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestParserStreamRejectsOversizedHeaders(t *testing.T) {
	p := NewParser()
	p.MaxHeaderBytes = 10
	stream := p.NewSIPStream()

	err := stream.ParseSIPStream([]byte(sampleInvite), func(Message) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestParserStreamRejectsOversizedBody(t *testing.T) {
	p := NewParser()
	p.MaxBodyBytes = 1
	stream := p.NewSIPStream()

	err := stream.ParseSIPStream([]byte(sampleInvite), func(Message) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
