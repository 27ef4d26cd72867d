package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"im-sync/internal/config"
	"im-sync/internal/imtypes"
	"im-sync/internal/storage"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMergePatchSetsAndNests(t *testing.T) {
	data := map[string]any{
		"name":        "old",
		"unreadCount": map[string]any{"U1": float64(3), "U2": float64(1)},
	}

	out := storage.MergePatch(data, map[string]any{
		"name":            "new",
		"unreadCount.U1":  0,
		"settings.mute":   true,
		"lastMessageTime": imtypes.ServerTimestamp,
		"nested":          map[string]any{"at": imtypes.ServerTimestamp},
	}, now)

	assert.Equal(t, "new", out["name"])
	assert.Equal(t, map[string]any{"U1": 0, "U2": float64(1)}, out["unreadCount"])
	assert.Equal(t, map[string]any{"mute": true}, out["settings"])
	assert.Equal(t, now, out["lastMessageTime"])
	assert.Equal(t, map[string]any{"at": now}, out["nested"])
}

func TestMergePatchFieldOperations(t *testing.T) {
	data := map[string]any{
		"unreadCount": map[string]any{"U2": float64(4)},
		"readBy":      []any{"U1"},
		"members":     []any{"U1", "U2", "U3"},
	}

	out := storage.MergePatch(data, map[string]any{
		"unreadCount.U2": imtypes.Increment(1),
		"unreadCount.U3": imtypes.Increment(1),
		"readBy":         imtypes.ArrayUnion{"U1", "U2"},
		"members":        imtypes.ArrayRemove{"U2"},
	}, now)

	unread := out["unreadCount"].(map[string]any)
	assert.Equal(t, int64(5), unread["U2"])
	assert.Equal(t, int64(1), unread["U3"])
	assert.Equal(t, []string{"U1", "U2"}, out["readBy"])
	assert.Equal(t, []string{"U1", "U3"}, out["members"])
}

func TestMergePatchNilData(t *testing.T) {
	out := storage.MergePatch(nil, map[string]any{"a": 1}, now)
	assert.Equal(t, map[string]any{"a": 1}, out)
}

func TestBuildDSN(t *testing.T) {
	dsn := storage.BuildDSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "im", DBName: "im_sync_db", SSLMode: "disable"})
	assert.Equal(t, "host=db port=5432 user=im dbname=im_sync_db sslmode=disable", dsn)
}
