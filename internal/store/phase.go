package store

// PhaseGuard enforces read-before-write ordering inside one transaction.
type PhaseGuard struct {
	writing bool
	closed  bool
}

func (g *PhaseGuard) BeforeRead() error {
	if g.closed {
		return ErrTxClosed
	}
	if g.writing {
		return ErrReadAfterWrite
	}
	return nil
}

func (g *PhaseGuard) BeforeWrite() error {
	if g.closed {
		return ErrTxClosed
	}
	g.writing = true
	return nil
}

func (g *PhaseGuard) Close() {
	g.closed = true
}

// UniqueIDs drops blanks and duplicates, keeping first-seen order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
