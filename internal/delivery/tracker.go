package delivery

import (
	"log"
	"sync"
)

// Tracker decides whether an inbound message is seen immediately or accrues
// as unseen, based on which conversation the recipient is actively viewing.
// Counters are local to the recipient's view; nothing here crosses users.
type Tracker struct {
	log *log.Logger

	mu         sync.Mutex
	activeView map[int]int         // recipient -> sender whose conversation is open
	unseen     map[int]map[int]int // recipient -> sender -> count
}

func NewTracker(logger *log.Logger) *Tracker {
	return &Tracker{
		log:        logger,
		activeView: make(map[int]int),
		unseen:     make(map[int]map[int]int),
	}
}

// Deliver records one message from senderId to recipientId. It reports
// whether the message counts as seen right away, which is the case exactly
// when the recipient's active view targets the sender. Otherwise the
// unseen counter for that conversation goes up by one.
func (t *Tracker) Deliver(senderId, recipientId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if viewing, ok := t.activeView[recipientId]; ok && viewing == senderId {
		return true
	}

	counts, ok := t.unseen[recipientId]
	if !ok {
		counts = make(map[int]int)
		t.unseen[recipientId] = counts
	}
	counts[senderId]++

	return false
}

// OpenConversation sets the recipient's active view to senderId and resets
// the unseen counter for that conversation. Prior messages are not
// retroactively marked seen here; persistence is the caller's concern.
func (t *Tracker) OpenConversation(recipientId, senderId int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeView[recipientId] = senderId
	if counts, ok := t.unseen[recipientId]; ok {
		delete(counts, senderId)
		if len(counts) == 0 {
			delete(t.unseen, recipientId)
		}
	}
}

// CloseConversation clears the recipient's active view. Called when the
// recipient closes the chat pane or disconnects.
func (t *Tracker) CloseConversation(recipientId int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeView, recipientId)
}

// Viewing returns the sender whose conversation the recipient currently
// has open, if any.
func (t *Tracker) Viewing(recipientId int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	senderId, ok := t.activeView[recipientId]
	return senderId, ok
}

// Unseen returns a snapshot of the recipient's per-sender unseen counts.
func (t *Tracker) Unseen(recipientId int) map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[int]int, len(t.unseen[recipientId]))
	for senderId, n := range t.unseen[recipientId] {
		counts[senderId] = n
	}
	return counts
}
