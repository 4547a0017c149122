package auction

// QueueState is the ordered sequence of players still to be auctioned, plus
// the deferred/unsold sets and the history needed to support UNDO. Every
// method here is pure — no I/O, no locking — so it can be unit tested and
// replayed without a database.
type QueueState struct {
	Queue    []string
	Index    int
	Deferred []string
	Unsold   []string
	History  []HistoryEntry
	Started  bool
}

// NewQueueState builds a QueueState from an ordering already computed by the
// caller (see Auction.buildQueueOrder).
func NewQueueState(order []string) QueueState {
	q := make([]string, len(order))
	copy(q, order)
	return QueueState{Queue: q}
}

// Current returns the player currently on the block, or "" if the queue is
// exhausted.
func (q *QueueState) Current() string {
	if q.Index < 0 || q.Index >= len(q.Queue) {
		return ""
	}
	return q.Queue[q.Index]
}

// Advance moves the cursor past the current player.
func (q *QueueState) Advance() {
	q.Index++
}

// Defer removes the player at the current index without advancing the
// cursor, and appends it to the deferred set. The player reappears only
// once the main queue is exhausted (AutoReturnIfExhausted).
func (q *QueueState) Defer(playerID string) {
	if q.Index < len(q.Queue) && q.Queue[q.Index] == playerID {
		q.Queue = append(q.Queue[:q.Index], q.Queue[q.Index+1:]...)
	}
	q.Deferred = append(q.Deferred, playerID)
}

// MarkUnsold appends the player to the unsold set and advances the cursor.
func (q *QueueState) MarkUnsold(playerID string) {
	q.Unsold = append(q.Unsold, playerID)
	q.Advance()
}

// AutoReturnIfExhausted appends the deferred set to the tail of the queue
// once the main queue is exhausted, clearing deferred. It is a no-op
// otherwise. Ordering among re-queued players is insertion order into
// Deferred.
func (q *QueueState) AutoReturnIfExhausted() {
	if q.Index >= len(q.Queue) && len(q.Deferred) > 0 {
		q.Queue = append(q.Queue, q.Deferred...)
		q.Deferred = nil
	}
}

// PushHistory appends a settlement action for future UNDO.
func (q *QueueState) PushHistory(h HistoryEntry) {
	q.History = append(q.History, h)
}

// PopHistory removes and returns the last history entry, or ErrNothingToUndo
// if there is none.
func (q *QueueState) PopHistory() (HistoryEntry, error) {
	if len(q.History) == 0 {
		return HistoryEntry{}, ErrNothingToUndo
	}
	last := q.History[len(q.History)-1]
	q.History = q.History[:len(q.History)-1]
	return last, nil
}

// UndoSold inverts a SOLD action: decrements the cursor so the player is
// current again. Removing the AuctionResult and restoring Player.Status is
// the caller's (settlement engine's) responsibility since those live outside
// QueueState.
func (q *QueueState) UndoSold() {
	q.Index--
}

// UndoUnsold inverts an UNSOLD action: pops the player back off the unsold
// set and decrements the cursor.
func (q *QueueState) UndoUnsold() {
	if n := len(q.Unsold); n > 0 {
		q.Unsold = q.Unsold[:n-1]
	}
	q.Index--
}

// UndoDeferred inverts a DEFER action: removes the player from wherever it
// currently sits in Deferred (or in the re-queued tail, if auto-return has
// already run) and re-inserts it at the current index.
func (q *QueueState) UndoDeferred(playerID string) {
	for i, id := range q.Deferred {
		if id == playerID {
			q.Deferred = append(q.Deferred[:i], q.Deferred[i+1:]...)
			q.Queue = append(q.Queue[:q.Index], append([]string{playerID}, q.Queue[q.Index:]...)...)
			return
		}
	}
	for i, id := range q.Queue {
		if id == playerID && i >= q.Index {
			q.Queue = append(q.Queue[:i], q.Queue[i+1:]...)
			q.Queue = append(q.Queue[:q.Index], append([]string{playerID}, q.Queue[q.Index:]...)...)
			return
		}
	}
}
