package runtime

// tally numbers the events of one cycle and counts them by kind. A cycle
// runs on a single goroutine, so no locking is needed.
type tally struct {
	last   uint64
	counts map[EventKind]int
}

func newTally() *tally {
	return &tally{counts: make(map[EventKind]int)}
}

// stamp assigns the next sequence number (1-indexed) to ev.
func (t *tally) stamp(ev *Event) {
	t.last++
	ev.Seq = t.last
	t.counts[ev.Kind]++
}

// count reports how many events of kind were stamped so far.
func (t *tally) count(kind EventKind) int {
	return t.counts[kind]
}
