package session

// bargeInCoordinator guarantees at most one barge-in per assistant output.
// Each output stream gets a sequence number; a cancel latches onto the
// current sequence and repeated cancels for it are no-ops. Owned by the
// engine loop, so no locking.
type bargeInCoordinator struct {
	seq       uint64
	active    bool
	cancelled bool
}

// beginOutput marks the start of a new assistant output stream and returns
// its sequence number.
func (b *bargeInCoordinator) beginOutput() uint64 {
	b.seq++
	b.active = true
	b.cancelled = false
	return b.seq
}

// endOutput marks the current output stream finished. Cancels arriving after
// this are ignored until the next beginOutput.
func (b *bargeInCoordinator) endOutput(seq uint64) {
	if seq != b.seq {
		return
	}
	b.active = false
	b.cancelled = false
}

// cancel requests interruption of the current output. It reports the output
// sequence being cancelled and whether this call was the first for it; only
// the first caller acts on the interruption.
func (b *bargeInCoordinator) cancel() (uint64, bool) {
	if !b.active || b.cancelled {
		return b.seq, false
	}
	b.cancelled = true
	return b.seq, true
}

// isCancelled reports whether the given output sequence has been cancelled.
// Stale sequences always read as cancelled so late chunks are dropped.
func (b *bargeInCoordinator) isCancelled(seq uint64) bool {
	if seq != b.seq {
		return true
	}
	return b.cancelled
}

// outputActive reports whether an assistant output stream is in flight.
func (b *bargeInCoordinator) outputActive() bool {
	return b.active
}
