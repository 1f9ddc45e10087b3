package ratelimit

import (
	"context"
	"sync"
)

// Permit is a held concurrency slot. Release is idempotent.
type Permit struct {
	once    sync.Once
	release func()
}

func newPermit(release func()) *Permit {
	return &Permit{release: release}
}

// Release returns the slot
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// Chain acquires from every limiter in order, e.g. a per-execution policy
// followed by the process-wide one. Nil limiters are skipped.
type Chain []Acquirer

// Acquire implements Acquirer; on failure already-held permits are released
func (c Chain) Acquire(ctx context.Context) (*Permit, error) {
	held := make([]*Permit, 0, len(c))
	for _, a := range c {
		if a == nil {
			continue
		}
		if l, ok := a.(*Limiter); ok && l == nil {
			continue
		}
		p, err := a.Acquire(ctx)
		if err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Release()
			}
			return nil, err
		}
		held = append(held, p)
	}

	return newPermit(func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release()
		}
	}), nil
}
