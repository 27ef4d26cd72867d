package grouping_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"im-sync/internal/grouping"
	"im-sync/internal/models"
)

func at(hms string) models.Timestamp {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", "2024-05-01 "+hms, time.UTC)
	if err != nil {
		panic(err)
	}
	return models.At(t)
}

func m(id, sender string, ts models.Timestamp) models.Message {
	return models.Message{ID: id, SenderID: sender, Timestamp: ts}
}

var utc = grouping.Options{Location: time.UTC}

func senders(groups []grouping.Group) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.SenderID
	}
	return out
}

func TestFourMessageScenario(t *testing.T) {
	msgs := []models.Message{
		m("1", "A", at("10:00:00")),
		m("2", "A", at("10:00:30")),
		m("3", "B", at("10:01:00")),
		m("4", "A", at("10:10:00")),
	}

	groups := grouping.Build(msgs, utc)

	require.Len(t, groups, 3)
	assert.Equal(t, []string{"A", "B", "A"}, senders(groups))
	assert.Len(t, groups[0].Messages, 2)
	assert.Len(t, groups[1].Messages, 1)
	assert.Equal(t, "4", groups[2].Messages[0].ID)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), groups[0].Day)
}

func TestGapSplitsSameSender(t *testing.T) {
	groups := grouping.Build([]models.Message{
		m("1", "A", at("10:00:00")),
		m("2", "A", at("10:05:00")), // exactly the max gap stays grouped
		m("3", "A", at("10:10:01")),
	}, utc)

	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Messages, 2)
}

func TestDayBoundarySplits(t *testing.T) {
	late := models.At(time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC))
	early := models.At(time.Date(2024, 5, 2, 0, 1, 0, 0, time.UTC))

	assert.Len(t, grouping.Build([]models.Message{m("1", "A", late), m("2", "A", early)}, utc), 2)

	// the same instants fall on one day two hours west of UTC
	west := time.FixedZone("W", -2*60*60)
	assert.Len(t, grouping.Build([]models.Message{m("1", "A", late), m("2", "A", early)},
		grouping.Options{Location: west}), 1)
}

func TestPendingMessages(t *testing.T) {
	pending := models.PendingTimestamp()
	groups := grouping.Build([]models.Message{
		m("1", "A", at("10:00:00")),
		m("2", "A", pending),
		m("3", "B", pending),
	}, utc)

	require.Len(t, groups, 2)
	assert.Equal(t, []string{"1", "2"}, []string{groups[0].Messages[0].ID, groups[0].Messages[1].ID})
	assert.Equal(t, groups[0].Day, groups[1].Day, "pending group inherits the previous day")

	only := grouping.Build([]models.Message{m("1", "A", pending)}, utc)
	require.Len(t, only, 1)
	assert.True(t, only[0].Day.IsZero())
}

func TestIdempotentAndOrderPreserving(t *testing.T) {
	msgs := []models.Message{
		m("1", "A", at("09:00:00")),
		m("2", "B", at("09:01:00")),
		m("3", "B", at("09:02:00")),
		m("4", "B", at("09:20:00")),
		m("5", "A", at("09:21:00")),
		m("6", "A", models.PendingTimestamp()),
	}

	first := grouping.Build(msgs, utc)
	second := grouping.Build(msgs, utc)
	assert.Equal(t, first, second)
	assert.Equal(t, msgs, grouping.Flatten(first))

	b := grouping.NewBuilder(utc)
	for _, msg := range msgs {
		b.Add(msg)
	}
	assert.Equal(t, first, b.Groups())
	assert.Equal(t, len(first), b.Len())
}

func TestBuilderGroupsIsACopy(t *testing.T) {
	b := grouping.NewBuilder(utc)
	b.Add(m("1", "A", at("10:00:00")))
	snapshot := b.Groups()
	b.Add(m("2", "A", at("10:01:00")))

	assert.Len(t, snapshot[0].Messages, 1)
	assert.Len(t, b.Groups()[0].Messages, 2)
}

func TestEmpty(t *testing.T) {
	assert.Empty(t, grouping.Build(nil, grouping.Options{}))
}
