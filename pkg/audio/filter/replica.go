package filter

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotController is returned when a participant other than the chain's
// controller tries to originate or deliver a shared change.
var ErrNotController = errors.New("filter: not the chain controller")

// Op is the kind of change carried by an [Update].
type Op string

const (
	OpAdd      Op = "add"
	OpRemove   Op = "remove"
	OpStrength Op = "strength"
	OpParams   Op = "params"
	OpReplace  Op = "replace"
)

// Update is one replicated change to a shared chain. Seq increases with every
// change the controller originates; receivers ignore anything not newer than
// what they already applied.
type Update struct {
	Seq   uint64 `json:"seq"`
	Op    Op     `json:"op"`
	Spec  Spec   `json:"spec,omitzero"`
	Specs []Spec `json:"specs,omitempty"`
}

// Replica keeps a local [Chain] in step with the chain owned by a single
// controller. Only the controller may originate changes; everyone else
// applies the updates it broadcasts. Independently of the shared state, each
// participant may override the strength of any entry locally.
type Replica struct {
	chain   *Chain
	dec     Decoder
	localID string
	publish func(Update)

	mu         sync.Mutex
	controller string
	seq        uint64
	shared     map[string]float32
	overrides  map[string]float32
}

// NewReplica wraps chain. publish is called (outside any lock) with every
// update this participant originates as controller; it may be nil.
func NewReplica(chain *Chain, dec Decoder, localID, controller string, publish func(Update)) *Replica {
	if dec == nil {
		dec = Builtin
	}
	return &Replica{
		chain:      chain,
		dec:        dec,
		localID:    localID,
		publish:    publish,
		controller: controller,
		shared:     make(map[string]float32),
		overrides:  make(map[string]float32),
	}
}

// Chain returns the local chain.
func (r *Replica) Chain() *Chain { return r.chain }

// Controller returns the id of the participant allowed to originate changes.
func (r *Replica) Controller() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// IsController reports whether the local participant is the controller.
func (r *Replica) IsController() bool { return r.Controller() == r.localID }

// SetController hands authority to id. Sequence numbering restarts.
func (r *Replica) SetController(id string) {
	r.mu.Lock()
	r.controller = id
	r.seq = 0
	r.mu.Unlock()
}

// Add appends a new shared entry.
func (r *Replica) Add(s Spec) error {
	return r.originate(Update{Op: OpAdd, Spec: s})
}

// Remove deletes a shared entry.
func (r *Replica) Remove(id string) error {
	return r.originate(Update{Op: OpRemove, Spec: Spec{ID: id}})
}

// SetStrength changes the shared strength of entry id.
func (r *Replica) SetStrength(id string, strength float32) error {
	return r.originate(Update{Op: OpStrength, Spec: Spec{ID: id, Strength: strength}})
}

// SetParams replaces the parameters of entry id.
func (r *Replica) SetParams(id string, params Params) error {
	return r.originate(Update{Op: OpParams, Spec: Spec{ID: id, Params: params}})
}

// ReplaceAll swaps the whole shared chain.
func (r *Replica) ReplaceAll(specs []Spec) error {
	return r.originate(Update{Op: OpReplace, Specs: specs})
}

// Seed installs specs as the shared chain without publishing anything or
// advancing the sequence. It is meant for configuration loaded before the
// replica talks to anyone.
func (r *Replica) Seed(specs []Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(Update{Op: OpReplace, Specs: specs})
}

func (r *Replica) originate(u Update) error {
	r.mu.Lock()
	if r.controller != r.localID {
		r.mu.Unlock()
		return ErrNotController
	}
	if err := r.applyLocked(u); err != nil {
		r.mu.Unlock()
		return err
	}
	r.seq++
	u.Seq = r.seq
	r.mu.Unlock()

	if r.publish != nil {
		r.publish(u)
	}
	return nil
}

// Apply applies an update received from participant from. Updates from
// anyone but the controller are rejected with [ErrNotController]; stale or
// duplicate updates are ignored, except full replaces at the current
// sequence.
func (r *Replica) Apply(from string, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if from != r.controller {
		return fmt.Errorf("%w: update from %q, controller is %q", ErrNotController, from, r.controller)
	}
	// A replace at the current sequence is a snapshot of a chain that may
	// only have been seeded; applying it again is harmless.
	if u.Seq < r.seq || (u.Seq == r.seq && u.Op != OpReplace) {
		return nil
	}
	if err := r.applyLocked(u); err != nil {
		return err
	}
	r.seq = u.Seq
	return nil
}

// Snapshot returns a replace update describing the full shared state, for
// participants that join late.
func (r *Replica) Snapshot() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Update{Seq: r.seq, Op: OpReplace, Specs: r.specsLocked()}
}

// Specs returns the shared chain, without local strength overrides.
func (r *Replica) Specs() []Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specsLocked()
}

func (r *Replica) specsLocked() []Spec {
	entries := r.chain.Entries()
	out := make([]Spec, len(entries))
	for i, e := range entries {
		s := e.Spec()
		s.Strength = r.shared[e.ID]
		out[i] = s
	}
	return out
}

// SetLocalStrength overrides the strength of entry id for this participant
// only. Nothing is broadcast.
func (r *Replica) SetLocalStrength(id string, strength float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shared[id]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	strength = clampStrength(strength)
	r.overrides[id] = strength
	return r.chain.SetStrength(id, strength)
}

// ClearLocalStrength drops a local override, restoring the shared strength.
func (r *Replica) ClearLocalStrength(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	shared, ok := r.shared[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	delete(r.overrides, id)
	return r.chain.SetStrength(id, shared)
}

func (r *Replica) effective(id string) float32 {
	if s, ok := r.overrides[id]; ok {
		return s
	}
	return r.shared[id]
}

func (r *Replica) applyLocked(u Update) error {
	switch u.Op {
	case OpAdd:
		e, err := EntryFromSpec(r.dec, u.Spec)
		if err != nil {
			return err
		}
		if _, ok := r.shared[e.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicate, e.ID)
		}
		r.shared[e.ID] = e.Strength
		e.Strength = r.effective(e.ID)
		if err := r.chain.Add(e); err != nil {
			delete(r.shared, e.ID)
			return err
		}
		return nil

	case OpRemove:
		if err := r.chain.Remove(u.Spec.ID); err != nil {
			return err
		}
		delete(r.shared, u.Spec.ID)
		delete(r.overrides, u.Spec.ID)
		return nil

	case OpStrength:
		if _, ok := r.shared[u.Spec.ID]; !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, u.Spec.ID)
		}
		r.shared[u.Spec.ID] = clampStrength(u.Spec.Strength)
		return r.chain.SetStrength(u.Spec.ID, r.effective(u.Spec.ID))

	case OpParams:
		cur, ok := r.chain.Entry(u.Spec.ID)
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, u.Spec.ID)
		}
		kind := u.Spec.Kind
		if kind == "" {
			kind = cur.Def.Kind()
		}
		def, err := r.dec.CreateFilter(kind, u.Spec.Params)
		if err != nil {
			return fmt.Errorf("filter: entry %q: %w", u.Spec.ID, err)
		}
		return r.chain.SetDefinition(u.Spec.ID, def)

	case OpReplace:
		entries := make([]Entry, 0, len(u.Specs))
		shared := make(map[string]float32, len(u.Specs))
		for _, s := range u.Specs {
			if _, dup := shared[s.ID]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicate, s.ID)
			}
			e, err := EntryFromSpec(r.dec, s)
			if err != nil {
				return err
			}
			shared[e.ID] = e.Strength
			if o, ok := r.overrides[e.ID]; ok {
				e.Strength = o
			}
			entries = append(entries, e)
		}
		// Nothing is committed unless the chain accepts the entries.
		if err := r.chain.Replace(entries); err != nil {
			return err
		}
		for id := range r.overrides {
			if _, ok := shared[id]; !ok {
				delete(r.overrides, id)
			}
		}
		r.shared = shared
		return nil

	default:
		return fmt.Errorf("filter: unknown update op %q", u.Op)
	}
}
