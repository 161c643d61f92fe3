package session

import "testing"

func TestBargeInFirstCancelWins(t *testing.T) {
	var b bargeInCoordinator
	seq := b.beginOutput()

	got, ok := b.cancel()
	if !ok || got != seq {
		t.Fatalf("first cancel = (%d, %v), want (%d, true)", got, ok, seq)
	}
	if _, ok := b.cancel(); ok {
		t.Fatalf("second cancel for same output should be a no-op")
	}
}

func TestBargeInCancelWithoutOutput(t *testing.T) {
	var b bargeInCoordinator
	if _, ok := b.cancel(); ok {
		t.Fatalf("cancel with no active output should be a no-op")
	}

	seq := b.beginOutput()
	b.endOutput(seq)
	if _, ok := b.cancel(); ok {
		t.Fatalf("cancel after endOutput should be a no-op")
	}
}

func TestBargeInNewOutputResetsLatch(t *testing.T) {
	var b bargeInCoordinator
	b.beginOutput()
	b.cancel()

	seq2 := b.beginOutput()
	got, ok := b.cancel()
	if !ok || got != seq2 {
		t.Fatalf("cancel for new output = (%d, %v), want (%d, true)", got, ok, seq2)
	}
}

func TestBargeInStaleSequenceReadsCancelled(t *testing.T) {
	var b bargeInCoordinator
	seq1 := b.beginOutput()
	b.endOutput(seq1)
	b.beginOutput()

	if !b.isCancelled(seq1) {
		t.Fatalf("stale output sequence should read as cancelled")
	}
	if b.isCancelled(b.seq) {
		t.Fatalf("current output should not read as cancelled")
	}
}

func TestBargeInStaleEndOutputIgnored(t *testing.T) {
	var b bargeInCoordinator
	seq1 := b.beginOutput()
	seq2 := b.beginOutput()
	b.endOutput(seq1)
	if !b.outputActive() {
		t.Fatalf("stale endOutput should not end the current output")
	}
	b.endOutput(seq2)
	if b.outputActive() {
		t.Fatalf("current output still active after endOutput")
	}
}
