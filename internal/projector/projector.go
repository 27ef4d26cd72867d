// Package projector maintains the authoritative ordered view of one subscribed collection.
package projector

import (
	"slices"
	"time"
)

// Op is the operation a Delta performs.
type Op int

const (
	Upsert Op = iota
	Remove
)

func (o Op) String() string {
	if o == Remove {
		return "remove"
	}
	return "upsert"
}

// Delta changes one entity. WriteID, when set, names the local write that produced it.
type Delta[T any] struct {
	Op      Op
	ID      string
	Value   T
	WriteID string
}

// Batch is one snapshot worth of deltas. A Full batch replaces the whole set
// and may only contain upserts.
type Batch[T any] struct {
	Full   bool
	Deltas []Delta[T]
}

// Result summarizes what an Apply changed.
type Result struct {
	Inserted   int
	Updated    int
	Removed    int
	Stale      int // removes of unknown ids, ignored
	Reconciled int // speculative writes confirmed by this batch
}

// Changed reports whether the authoritative set or the overlays moved.
func (r Result) Changed() bool {
	return r.Inserted+r.Updated+r.Removed+r.Reconciled > 0
}

type entry[T any] struct {
	value T
	seq   uint64
}

type overlay[T any] struct {
	writeID string
	delta   Delta[T]
	at      time.Time
}

type config struct {
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Projector.
type Option func(*config)

// WithOverlayTimeout sets how long a speculative write may stay unconfirmed
// before Expire drops it. Zero disables expiry.
func WithOverlayTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithClock replaces time.Now for overlay bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Projector is not safe for concurrent use; its owner serializes every call.
type Projector[T any] struct {
	key      func(T) string
	cmp      func(a, b T) int
	cfg      config
	items    map[string]*entry[T]
	overlays []overlay[T]
	seq      uint64
	version  uint64

	dirty  bool
	merged map[string]*entry[T]
	view   []T
}

// New creates a projector. key derives an entity's id when a delta leaves ID
// empty; cmp orders entities, ties fall back to first-arrival order.
func New[T any](key func(T) string, cmp func(a, b T) int, opts ...Option) *Projector[T] {
	cfg := config{now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	return &Projector[T]{
		key:   key,
		cmp:   cmp,
		cfg:   cfg,
		items: make(map[string]*entry[T]),
		dirty: true,
	}
}

func (p *Projector[T]) id(d Delta[T]) string {
	if d.ID != "" {
		return d.ID
	}
	return p.key(d.Value)
}

func (p *Projector[T]) nextSeq() uint64 {
	p.seq++
	return p.seq
}

// Apply folds one batch into the authoritative set.
func (p *Projector[T]) Apply(b Batch[T]) Result {
	var res Result
	if b.Full {
		res = p.replace(b.Deltas)
	} else {
		for _, d := range b.Deltas {
			p.patch(d, &res)
		}
	}
	for _, d := range b.Deltas {
		if d.WriteID != "" {
			res.Reconciled += p.dropOverlays(d.WriteID)
		}
	}
	if res.Changed() {
		p.touch()
	}
	return res
}

func (p *Projector[T]) replace(deltas []Delta[T]) Result {
	var res Result
	next := make(map[string]*entry[T], len(deltas))
	for _, d := range deltas {
		if d.Op != Upsert {
			continue
		}
		id := p.id(d)
		if e, ok := next[id]; ok {
			e.value = d.Value
			continue
		}
		if old, ok := p.items[id]; ok {
			next[id] = &entry[T]{value: d.Value, seq: old.seq}
			res.Updated++
			continue
		}
		next[id] = &entry[T]{value: d.Value, seq: p.nextSeq()}
		res.Inserted++
	}
	for id := range p.items {
		if _, ok := next[id]; !ok {
			res.Removed++
		}
	}
	p.items = next
	return res
}

func (p *Projector[T]) patch(d Delta[T], res *Result) {
	id := p.id(d)
	switch d.Op {
	case Remove:
		if _, ok := p.items[id]; !ok {
			res.Stale++
			return
		}
		delete(p.items, id)
		res.Removed++
	default:
		if e, ok := p.items[id]; ok {
			e.value = d.Value
			res.Updated++
			return
		}
		p.items[id] = &entry[T]{value: d.Value, seq: p.nextSeq()}
		res.Inserted++
	}
}

// Speculate overlays local deltas tagged with writeID on top of the
// authoritative set until they are reconciled, rolled back or expired.
func (p *Projector[T]) Speculate(writeID string, deltas ...Delta[T]) {
	at := p.cfg.now()
	for _, d := range deltas {
		d.WriteID = writeID
		p.overlays = append(p.overlays, overlay[T]{writeID: writeID, delta: d, at: at})
	}
	if len(deltas) > 0 {
		p.touch()
	}
}

// Rollback drops the overlays of a failed write. It reports whether any existed.
func (p *Projector[T]) Rollback(writeID string) bool {
	if p.dropOverlays(writeID) == 0 {
		return false
	}
	p.touch()
	return true
}

// Expire drops overlays older than the configured timeout and returns the
// write ids that were dropped.
func (p *Projector[T]) Expire(now time.Time) []string {
	if p.cfg.timeout <= 0 || len(p.overlays) == 0 {
		return nil
	}
	var expired []string
	kept := p.overlays[:0]
	for _, o := range p.overlays {
		if now.Sub(o.at) >= p.cfg.timeout {
			if !slices.Contains(expired, o.writeID) {
				expired = append(expired, o.writeID)
			}
			continue
		}
		kept = append(kept, o)
	}
	clear(p.overlays[len(kept):])
	p.overlays = kept
	if len(expired) > 0 {
		p.touch()
	}
	return expired
}

// Pending reports whether writeID still has unconfirmed overlays.
func (p *Projector[T]) Pending(writeID string) bool {
	return slices.ContainsFunc(p.overlays, func(o overlay[T]) bool { return o.writeID == writeID })
}

func (p *Projector[T]) dropOverlays(writeID string) int {
	n := len(p.overlays)
	p.overlays = slices.DeleteFunc(p.overlays, func(o overlay[T]) bool { return o.writeID == writeID })
	return n - len(p.overlays)
}

func (p *Projector[T]) touch() {
	p.version++
	p.dirty = true
}

func (p *Projector[T]) materialize() {
	if !p.dirty {
		return
	}
	merged := p.items
	if len(p.overlays) > 0 {
		merged = make(map[string]*entry[T], len(p.items)+len(p.overlays))
		for id, e := range p.items {
			merged[id] = e
		}
		// overlay-only entities sort after every authoritative arrival
		seq := p.seq
		for _, o := range p.overlays {
			id := p.id(o.delta)
			if o.delta.Op == Remove {
				delete(merged, id)
				continue
			}
			if e, ok := merged[id]; ok {
				merged[id] = &entry[T]{value: o.delta.Value, seq: e.seq}
				continue
			}
			seq++
			merged[id] = &entry[T]{value: o.delta.Value, seq: seq}
		}
	}
	entries := make([]*entry[T], 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry[T]) int {
		if c := p.cmp(a.value, b.value); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	view := make([]T, len(entries))
	for i, e := range entries {
		view[i] = e.value
	}
	p.merged = merged
	p.view = view
	p.dirty = false
}

// CurrentView returns the ordered entities with overlays applied. The slice is
// a fresh copy the projector never touches again.
func (p *Projector[T]) CurrentView() []T {
	p.materialize()
	return slices.Clone(p.view)
}

// Get returns the entity with overlays applied.
func (p *Projector[T]) Get(id string) (T, bool) {
	p.materialize()
	e, ok := p.merged[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Len is the number of entities in the current view.
func (p *Projector[T]) Len() int {
	p.materialize()
	return len(p.view)
}

// Version increases on every visible change.
func (p *Projector[T]) Version() uint64 {
	return p.version
}

// Reset drops every entity and overlay.
func (p *Projector[T]) Reset() {
	p.items = make(map[string]*entry[T])
	p.overlays = nil
	p.touch()
}
