package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chatwave/internal/testutil"
)

func TestDeliverAccruesUnseen(t *testing.T) {
	tr := NewTracker(testutil.TestLogger(t))

	// recipient 2 is not viewing sender 1's conversation
	assert.False(t, tr.Deliver(1, 2), "expected message to accrue as unseen")
	assert.False(t, tr.Deliver(1, 2))
	assert.False(t, tr.Deliver(3, 2))

	counts := tr.Unseen(2)
	assert.Equal(t, 2, counts[1], "expected exactly one increment per delivery")
	assert.Equal(t, 1, counts[3])
}

func TestDeliverSeenWhileViewing(t *testing.T) {
	tr := NewTracker(testutil.TestLogger(t))

	tr.OpenConversation(2, 1)
	assert.True(t, tr.Deliver(1, 2), "expected message seen while conversation open")
	assert.Empty(t, tr.Unseen(2), "expected no unseen count for seen message")

	// a message from a different sender still accrues
	assert.False(t, tr.Deliver(3, 2))
	assert.Equal(t, 1, tr.Unseen(2)[3])
}

func TestOpenConversationResetsCounter(t *testing.T) {
	tr := NewTracker(testutil.TestLogger(t))

	tr.Deliver(1, 2)
	tr.Deliver(1, 2)
	tr.Deliver(3, 2)

	tr.OpenConversation(2, 1)

	counts := tr.Unseen(2)
	assert.Zero(t, counts[1], "expected counter reset on open")
	assert.Equal(t, 1, counts[3], "expected other senders' counts untouched")
}

func TestCloseConversation(t *testing.T) {
	tr := NewTracker(testutil.TestLogger(t))

	tr.OpenConversation(2, 1)
	sender, ok := tr.Viewing(2)
	assert.True(t, ok)
	assert.Equal(t, 1, sender)

	tr.CloseConversation(2)
	_, ok = tr.Viewing(2)
	assert.False(t, ok)

	assert.False(t, tr.Deliver(1, 2), "expected unseen after view closed")
	assert.Equal(t, 1, tr.Unseen(2)[1])
}

func TestViewIsPerRecipient(t *testing.T) {
	tr := NewTracker(testutil.TestLogger(t))

	tr.OpenConversation(2, 1)

	// user 1 viewing nothing: a message from 2 to 1 accrues
	assert.False(t, tr.Deliver(2, 1))
	// while 2's open view of 1 still marks 1's messages seen
	assert.True(t, tr.Deliver(1, 2))
}
