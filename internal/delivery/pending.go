package delivery

// pendingEntry tracks a failed request together with its delivery history.
type pendingEntry struct {
	req      Request
	attempts int
	lastErr  string
}

// pendingSet is a FIFO of failed requests. An entry is popped before it is
// re-attempted and pushed back only on renewed failure, so a request is never
// queued twice.
type pendingSet struct {
	items []*pendingEntry
}

func newPendingSet() *pendingSet {
	return &pendingSet{}
}

func (p *pendingSet) push(e *pendingEntry) {
	p.items = append(p.items, e)
}

func (p *pendingSet) pop() *pendingEntry {
	if len(p.items) == 0 {
		return nil
	}
	e := p.items[0]
	p.items[0] = nil
	p.items = p.items[1:]
	return e
}

func (p *pendingSet) len() int {
	return len(p.items)
}

// drain empties the set and returns its entries in FIFO order.
func (p *pendingSet) drain() []*pendingEntry {
	out := p.items
	p.items = nil
	return out
}
