package database

// The conversation row is the materialized view behind conversation lists
// and unread badges. It is only changed through the methods below, and only
// by a store while it holds the conversation's lock.

// applyAppend records msg as the newest message of the conversation and
// counts it as unread for its receiver.
func (c *Conversation) applyAppend(msg Message) {
	c.SeqId = msg.SeqId
	c.LastMessageId = msg.Id
	c.LastMessageAt = msg.CreatedAt
	c.UpdatedAt = msg.CreatedAt
	c.setUnread(msg.ReceiverId, c.UnreadFor(msg.ReceiverId)+1)
}

// applyRead sets the reader's unread count to the number of messages
// addressed to them that are still unread after a read receipt.
func (c *Conversation) applyRead(readerId, remaining int) {
	c.setUnread(readerId, remaining)
}

func (c *Conversation) setUnread(userId, n int) {
	if n < 0 {
		n = 0
	}

	switch userId {
	case c.UserA:
		c.UnreadA = n
	case c.UserB:
		c.UnreadB = n
	}
}

// clampSeq bounds a client supplied sequence to what the conversation has
// actually assigned.
func (c Conversation) clampSeq(seqId int) int {
	if seqId > c.SeqId {
		return c.SeqId
	}
	if seqId < 0 {
		return 0
	}
	return seqId
}
