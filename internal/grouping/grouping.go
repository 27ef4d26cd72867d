// Package grouping splits an ordered message list into display groups.
package grouping

import (
	"slices"
	"time"

	"im-sync/internal/models"
)

// DefaultMaxGap is the largest gap between consecutive messages of one group.
const DefaultMaxGap = 5 * time.Minute

// Options controls grouping. Zero values select the defaults.
type Options struct {
	MaxGap   time.Duration
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.MaxGap <= 0 {
		o.MaxGap = DefaultMaxGap
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Group is a run of consecutive messages from one sender on one local day.
// Day is local midnight; it is zero when the group holds only pending
// messages and nothing precedes them.
type Group struct {
	SenderID string           `json:"senderId"`
	Day      time.Time        `json:"day"`
	Messages []models.Message `json:"messages"`
}

// Build groups msgs, which must already be in display order.
func Build(msgs []models.Message, opts Options) []Group {
	b := NewBuilder(opts)
	for _, m := range msgs {
		b.Add(m)
	}
	return b.groups
}

// Builder groups messages incrementally. Appending to a Builder gives the same
// groups as a Build over the full list.
type Builder struct {
	opts   Options
	groups []Group
}

func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts.withDefaults()}
}

// Add appends one message, which must not sort before the previous one.
func (b *Builder) Add(m models.Message) {
	if len(b.groups) == 0 {
		b.open(m, time.Time{})
		return
	}
	cur := &b.groups[len(b.groups)-1]
	if b.joins(cur, m) {
		cur.Messages = append(cur.Messages, m)
		return
	}
	b.open(m, cur.Day)
}

func (b *Builder) joins(cur *Group, m models.Message) bool {
	if m.SenderID != cur.SenderID {
		return false
	}
	if m.Timestamp.Pending {
		return true
	}
	last := cur.Messages[len(cur.Messages)-1]
	if last.Timestamp.Pending {
		return !cur.Day.IsZero() && b.day(m.Timestamp.Time).Equal(cur.Day)
	}
	if !b.day(m.Timestamp.Time).Equal(b.day(last.Timestamp.Time)) {
		return false
	}
	return m.Timestamp.Time.Sub(last.Timestamp.Time) <= b.opts.MaxGap
}

// open starts a group for m. A pending message inherits prevDay.
func (b *Builder) open(m models.Message, prevDay time.Time) {
	day := prevDay
	if !m.Timestamp.Pending {
		day = b.day(m.Timestamp.Time)
	}
	b.groups = append(b.groups, Group{
		SenderID: m.SenderID,
		Day:      day,
		Messages: []models.Message{m},
	})
}

func (b *Builder) day(t time.Time) time.Time {
	y, mo, d := t.In(b.opts.Location).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, b.opts.Location)
}

// Groups returns a copy of the groups built so far.
func (b *Builder) Groups() []Group {
	out := make([]Group, len(b.groups))
	for i, g := range b.groups {
		g.Messages = slices.Clone(g.Messages)
		out[i] = g
	}
	return out
}

// Len is the number of groups.
func (b *Builder) Len() int {
	return len(b.groups)
}

// Flatten concatenates the messages of every group in order.
func Flatten(groups []Group) []models.Message {
	var out []models.Message
	for _, g := range groups {
		out = append(out, g.Messages...)
	}
	return out
}
