package projector_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/models"
	"im-sync/internal/projector"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) models.Message {
	return models.Message{ID: id, SenderID: "A", Timestamp: models.At(base.Add(offset))}
}

func upsert[T any](id string, v T) projector.Delta[T] {
	return projector.Delta[T]{Op: projector.Upsert, ID: id, Value: v}
}

func remove[T any](id string) projector.Delta[T] {
	return projector.Delta[T]{Op: projector.Remove, ID: id}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessagesOrderedAscending(t *testing.T) {
	p := projector.NewMessages()
	res := p.Apply(projector.Batch[models.Message]{Full: true, Deltas: []projector.Delta[models.Message]{
		upsert("m3", msg("m3", 3*time.Minute)),
		upsert("m1", msg("m1", time.Minute)),
		upsert("m2", msg("m2", 2*time.Minute)),
	}})

	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(p.CurrentView()))
}

func TestChatsOrderedDescending(t *testing.T) {
	p := projector.NewChats()
	p.Apply(projector.Batch[models.Chat]{Full: true, Deltas: []projector.Delta[models.Chat]{
		upsert("old", models.Chat{ID: "old", LastMessageTime: models.At(base)}),
		upsert("new", models.Chat{ID: "new", LastMessageTime: models.At(base.Add(time.Hour))}),
		upsert("pending", models.Chat{ID: "pending", LastMessageTime: models.PendingTimestamp()}),
	}})

	view := p.CurrentView()
	require.Len(t, view, 3)
	assert.Equal(t, "pending", view[0].ID)
	assert.Equal(t, "new", view[1].ID)
	assert.Equal(t, "old", view[2].ID)
}

func TestTiesKeepArrivalOrder(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{
		upsert("b", msg("b", 0)),
		upsert("a", msg("a", 0)),
	}})
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{
		upsert("c", msg("c", 0)),
		// updating b must not move it behind c
		upsert("b", models.Message{ID: "b", Text: "edited", Timestamp: models.At(base)}),
	}})

	assert.Equal(t, []string{"b", "a", "c"}, ids(p.CurrentView()))
}

func TestPendingSortsNewestUntilResolved(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{
		upsert("sent", models.Message{ID: "sent", Timestamp: models.PendingTimestamp()}),
		upsert("m1", msg("m1", time.Minute)),
		upsert("m2", msg("m2", 2*time.Minute)),
	}})
	assert.Equal(t, []string{"m1", "m2", "sent"}, ids(p.CurrentView()))

	// the server resolves the placeholder to a time between m1 and m2
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{
		upsert("sent", msg("sent", 90*time.Second)),
	}})
	assert.Equal(t, []string{"m1", "sent", "m2"}, ids(p.CurrentView()))
}

func TestUnknownRemoveIsStale(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{upsert("m1", msg("m1", 0))}})
	v := p.Version()

	res := p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{remove[models.Message]("ghost")}})
	assert.Equal(t, 1, res.Stale)
	assert.False(t, res.Changed())
	assert.Equal(t, v, p.Version())
	assert.Equal(t, 1, p.Len())
}

func TestFullBatchReplaces(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{
		upsert("m1", msg("m1", 0)),
		upsert("m2", msg("m2", time.Minute)),
	}})

	res := p.Apply(projector.Batch[models.Message]{Full: true, Deltas: []projector.Delta[models.Message]{
		upsert("m2", msg("m2", time.Minute)),
		upsert("m3", msg("m3", 2*time.Minute)),
	}})
	assert.Equal(t, projector.Result{Inserted: 1, Updated: 1, Removed: 1}, res)
	assert.Equal(t, []string{"m2", "m3"}, ids(p.CurrentView()))
	_, ok := p.Get("m1")
	assert.False(t, ok)
}

func TestReorderingIndependentEntitiesGivesSameView(t *testing.T) {
	// each entity's own ops stay in relative order; entities interleave differently
	m1 := []projector.Delta[models.Message]{upsert("m1", msg("m1", time.Minute)), upsert("m1", msg("m1", 4*time.Minute))}
	m2 := []projector.Delta[models.Message]{upsert("m2", msg("m2", 2*time.Minute)), remove[models.Message]("m2")}
	m3 := []projector.Delta[models.Message]{upsert("m3", msg("m3", 3*time.Minute))}

	orders := [][]projector.Delta[models.Message]{
		{m1[0], m1[1], m2[0], m2[1], m3[0]},
		{m3[0], m2[0], m1[0], m2[1], m1[1]},
		{m2[0], m3[0], m2[1], m1[0], m1[1]},
	}

	var want []models.Message
	for i, seq := range orders {
		p := projector.NewMessages()
		for _, d := range seq {
			p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{d}})
		}
		got := p.CurrentView()
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got, "ordering %d", i)
	}
	assert.Equal(t, []string{"m3", "m1"}, ids(want))
}

func TestCurrentViewIsImmutableSnapshot(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{upsert("m1", msg("m1", 0))}})

	view := p.CurrentView()
	view[0].Text = "tampered"
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{upsert("m2", msg("m2", time.Minute))}})

	assert.Len(t, view, 1)
	got, _ := p.Get("m1")
	assert.Empty(t, got.Text)
}

func TestDirectChatMembershipOrderDoesNotDuplicate(t *testing.T) {
	p := projector.NewChats()
	p.Apply(projector.Batch[models.Chat]{Full: true, Deltas: []projector.Delta[models.Chat]{
		upsert("d1", models.Chat{ID: "d1", Members: []string{"U1", "U2"}}),
	}})
	res := p.Apply(projector.Batch[models.Chat]{Full: true, Deltas: []projector.Delta[models.Chat]{
		upsert("d1", models.Chat{ID: "d1", Members: []string{"U2", "U1"}}),
	}})

	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	require.Equal(t, 1, p.Len())
	view := p.CurrentView()
	assert.Equal(t, "U1,U2", view[0].DirectKey())
}

func TestSpeculateReconcile(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{upsert("m1", msg("m1", 0))}})

	local := models.Message{ID: "m2", Text: "hi", Timestamp: models.PendingTimestamp()}
	p.Speculate("w1", upsert("m2", local))
	assert.True(t, p.Pending("w1"))
	assert.Equal(t, []string{"m1", "m2"}, ids(p.CurrentView()))

	confirmed := msg("m2", time.Minute)
	confirmed.Text = "hi"
	res := p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{
		{Op: projector.Upsert, ID: "m2", Value: confirmed, WriteID: "w1"},
	}})

	assert.Equal(t, 1, res.Reconciled)
	assert.False(t, p.Pending("w1"))
	got, ok := p.Get("m2")
	require.True(t, ok)
	assert.False(t, got.Timestamp.Pending)
	assert.Equal(t, 2, p.Len())
}

func TestSpeculateRollback(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{upsert("m1", msg("m1", 0))}})

	p.Speculate("w1", remove[models.Message]("m1"))
	assert.Equal(t, 0, p.Len())

	assert.True(t, p.Rollback("w1"))
	assert.False(t, p.Rollback("w1"))
	assert.Equal(t, []string{"m1"}, ids(p.CurrentView()))
}

func TestSpeculativeEditKeepsPosition(t *testing.T) {
	p := projector.NewMessages()
	p.Apply(projector.Batch[models.Message]{Deltas: []projector.Delta[models.Message]{
		upsert("m1", msg("m1", 0)),
		upsert("m2", msg("m2", 0)),
	}})

	edited := msg("m1", 0)
	edited.Text = "edited"
	edited.IsEdited = true
	p.Speculate("w", upsert("m1", edited))

	view := p.CurrentView()
	assert.Equal(t, []string{"m1", "m2"}, ids(view))
	assert.True(t, view[0].IsEdited)
}

func TestExpire(t *testing.T) {
	now := base
	p := projector.NewMessages(
		projector.WithOverlayTimeout(30*time.Second),
		projector.WithClock(func() time.Time { return now }),
	)
	p.Speculate("w1", upsert("m1", msg("m1", 0)))
	now = now.Add(20 * time.Second)
	p.Speculate("w2", upsert("m2", msg("m2", time.Minute)))

	assert.Empty(t, p.Expire(base.Add(29*time.Second)))
	assert.Equal(t, []string{"w1"}, p.Expire(base.Add(30*time.Second)))
	assert.Equal(t, []string{"m2"}, ids(p.CurrentView()))

	assert.Equal(t, []string{"w2"}, p.Expire(base.Add(time.Hour)))
	assert.Equal(t, 0, p.Len())
}

func TestExpireDisabledByDefault(t *testing.T) {
	p := projector.NewMessages()
	p.Speculate("w1", upsert("m1", msg("m1", 0)))
	assert.Nil(t, p.Expire(time.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, p.Len())
}

func TestKeyFallback(t *testing.T) {
	p := projector.NewUsers()
	for i := range 3 {
		uid := fmt.Sprintf("U%d", 3-i)
		p.Apply(projector.Batch[models.UserProfile]{Deltas: []projector.Delta[models.UserProfile]{
			{Op: projector.Upsert, Value: models.UserProfile{UID: uid, DisplayName: "same"}},
		}})
	}
	view := p.CurrentView()
	require.Len(t, view, 3)
	assert.Equal(t, "U1", view[0].UID)
	assert.Equal(t, "U3", view[2].UID)
}

func TestResetAndVersion(t *testing.T) {
	p := projector.NewTyping()
	v0 := p.Version()
	p.Apply(projector.Batch[models.TypingIndicator]{Deltas: []projector.Delta[models.TypingIndicator]{
		upsert("U1", models.TypingIndicator{UserID: "U1", Timestamp: models.At(base)}),
	}})
	assert.Greater(t, p.Version(), v0)

	p.Reset()
	assert.Equal(t, 0, p.Len())
}
