package filter

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// snapshot is an immutable view of a chain. Processors compare versions to
// detect changes without locking.
type snapshot struct {
	version uint64
	entries []slot
}

type slot struct {
	Entry

	// rev changes whenever Def is replaced.
	rev uint64
}

// Chain is the ordered list of filter entries shared by every stream of a
// session. Mutations are control-plane operations serialised by a mutex; the
// audio path only ever loads an atomic snapshot.
type Chain struct {
	env Env

	mu   sync.Mutex
	rev  uint64
	snap atomic.Pointer[snapshot]
}

// NewChain returns an empty chain whose instances are created with env.
func NewChain(env Env) *Chain {
	c := &Chain{env: env}
	c.snap.Store(&snapshot{})
	return c
}

// Env returns the environment instances are created with.
func (c *Chain) Env() Env { return c.env }

// mutate copies the current entries, applies fn and publishes the result.
// Must be called with c.mu held.
func (c *Chain) mutate(fn func([]slot) ([]slot, error)) error {
	cur := c.snap.Load()
	next, err := fn(slices.Clone(cur.entries))
	if err != nil {
		return err
	}
	c.snap.Store(&snapshot{version: cur.version + 1, entries: next})
	return nil
}

func (c *Chain) nextRev() uint64 {
	c.rev++
	return c.rev
}

// sameDefinition compares definitions by value when their type allows it.
func sameDefinition(a, b Definition) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func indexOf(entries []slot, id string) int {
	return slices.IndexFunc(entries, func(s slot) bool { return s.ID == id })
}

// Add appends e to the chain.
func (c *Chain) Add(e Entry) error {
	if e.Def == nil {
		return fmt.Errorf("filter: entry %q has no definition", e.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutate(func(entries []slot) ([]slot, error) {
		if indexOf(entries, e.ID) >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, e.ID)
		}
		e.Strength = clampStrength(e.Strength)
		return append(entries, slot{Entry: e, rev: c.nextRev()}), nil
	})
}

// Remove deletes the entry with id. Instances of it are closed by each
// processor at its next chunk.
func (c *Chain) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutate(func(entries []slot) ([]slot, error) {
		i := indexOf(entries, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return slices.Delete(entries, i, i+1), nil
	})
}

// SetStrength changes the strength of entry id, clamped to [0, 1].
func (c *Chain) SetStrength(id string, strength float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutate(func(entries []slot) ([]slot, error) {
		i := indexOf(entries, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		entries[i].Strength = clampStrength(strength)
		return entries, nil
	})
}

// SetDefinition replaces the parameters of entry id. Running instances keep
// their state and adopt the new parameters on their next chunk.
func (c *Chain) SetDefinition(id string, def Definition) error {
	if def == nil {
		return fmt.Errorf("filter: nil definition for %q", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutate(func(entries []slot) ([]slot, error) {
		i := indexOf(entries, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		entries[i].Def = def
		entries[i].rev = c.nextRev()
		return entries, nil
	})
}

// Replace swaps the whole chain for entries. Entries whose id and definition
// are unchanged keep their running instances.
func (c *Chain) Replace(entries []Entry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Def == nil {
			return fmt.Errorf("filter: entry %q has no definition", e.ID)
		}
		if seen[e.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicate, e.ID)
		}
		seen[e.ID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutate(func(old []slot) ([]slot, error) {
		next := make([]slot, 0, len(entries))
		for _, e := range entries {
			e.Strength = clampStrength(e.Strength)
			s := slot{Entry: e}
			if i := indexOf(old, e.ID); i >= 0 && sameDefinition(old[i].Def, e.Def) {
				s.rev = old[i].rev
			} else {
				s.rev = c.nextRev()
			}
			next = append(next, s)
		}
		return next, nil
	})
}

// Entries returns a copy of the chain in registration order.
func (c *Chain) Entries() []Entry {
	snap := c.snap.Load()
	out := make([]Entry, len(snap.entries))
	for i, s := range snap.entries {
		out[i] = s.Entry
	}
	return out
}

// Entry returns the entry with id.
func (c *Chain) Entry(id string) (Entry, bool) {
	snap := c.snap.Load()
	if i := indexOf(snap.entries, id); i >= 0 {
		return snap.entries[i].Entry, true
	}
	return Entry{}, false
}

// HasActive reports whether any entry at stage has a non-zero strength.
func (c *Chain) HasActive(stage Stage) bool {
	for _, s := range c.snap.Load().entries {
		if s.Stage == stage && s.Strength > 0 {
			return true
		}
	}
	return false
}

// Processor returns a new per-stream processor for stage. The caller owns it
// and must Close it when the stream ends.
func (c *Chain) Processor(stage Stage) *Processor {
	return &Processor{
		chain:     c,
		stage:     stage,
		instances: make(map[string]*running),
	}
}

type running struct {
	inst Instance
	rev  uint64
}

type active struct {
	inst     Instance
	strength float32
}

// Processor applies one stage of a [Chain] to a single audio stream. It owns
// the stream's filter instances. A Processor is not safe for concurrent use;
// it belongs to whichever goroutine delivers the stream's samples.
type Processor struct {
	chain *Chain
	stage Stage

	version   uint64
	synced    bool
	instances map[string]*running
	order     []active
	closed    bool
}

// Process runs every enabled entry of the processor's stage over buf, in
// chain order. Chain changes made since the previous call are applied first.
func (p *Processor) Process(buf []float32, sampleRate int) {
	if p.closed || len(buf) == 0 {
		return
	}
	snap := p.chain.snap.Load()
	if !p.synced || snap.version != p.version {
		p.sync(snap)
	}
	for _, a := range p.order {
		a.inst.Process(buf, sampleRate, a.strength)
	}
}

// sync reconciles instances with snap. It runs on the stream's goroutine, so
// closing a removed instance can never race with its Process call.
func (p *Processor) sync(snap *snapshot) {
	log := p.chain.env.logger()
	keep := make(map[string]bool, len(snap.entries))
	p.order = p.order[:0]

	for _, s := range snap.entries {
		if s.Stage != p.stage {
			continue
		}
		keep[s.ID] = true
		r, ok := p.instances[s.ID]
		switch {
		case ok && r.rev == s.rev:
		case ok:
			if err := r.inst.Update(s.Def); err != nil {
				_ = r.inst.Close()
				delete(p.instances, s.ID)
				ok = false
			} else {
				r.rev = s.rev
			}
		}
		if !ok {
			inst, err := s.Def.NewInstance(p.chain.env)
			if err != nil {
				log.Warn("filter: create instance failed, entry bypassed",
					"id", s.ID, "kind", s.Def.Kind(), "stage", p.stage, "err", err)
				continue
			}
			r = &running{inst: inst, rev: s.rev}
			p.instances[s.ID] = r
		}
		if s.Strength > 0 {
			p.order = append(p.order, active{inst: r.inst, strength: s.Strength})
		}
	}

	for id, r := range p.instances {
		if !keep[id] {
			if err := r.inst.Close(); err != nil {
				log.Debug("filter: close removed instance", "id", id, "err", err)
			}
			delete(p.instances, id)
		}
	}
	p.version = snap.version
	p.synced = true
}

// Close releases every instance. Further Process calls are no-ops.
func (p *Processor) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for id, r := range p.instances {
		if err := r.inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("filter: close %q: %w", id, err))
		}
	}
	clear(p.instances)
	p.order = nil
	return errors.Join(errs...)
}
