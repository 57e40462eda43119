package b2bua

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sipstack/sipstack/dialog"
)

func TestSessionOtherLegResolvesEitherDirection(t *testing.T) {
	server := &dialog.Dialog{}
	client := &dialog.Dialog{}
	s := &Session{id: "sess1", serverDialog: server}

	assert.Nil(t, s.otherLeg(server), "client leg doesn't exist yet")

	s.setClientDialog(client)
	assert.Same(t, client, s.otherLeg(server))
	assert.Same(t, server, s.otherLeg(client))

	unrelated := &dialog.Dialog{}
	assert.Nil(t, s.otherLeg(unrelated))
}

func TestSessionMarkClosingFiresOnlyOnce(t *testing.T) {
	s := &Session{id: "sess1"}
	assert.True(t, s.markClosing())
	assert.False(t, s.markClosing(), "second call must report already-closing")
}

func TestSessionIDAndApplicationState(t *testing.T) {
	s := &Session{id: "abc123"}
	assert.Equal(t, "abc123", s.ID())

	s.ApplicationState = "custom"
	assert.Equal(t, "custom", s.ApplicationState)
}
