// Package aggregator derives unread counters, the pinned subset, the active
// typing set and chat list filters from projected collections.
package aggregator

import (
	"maps"
	"slices"
	"time"

	"im-sync/internal/models"
)

// DefaultTypingWindow is the age after which a typing indicator is ignored.
const DefaultTypingWindow = 10 * time.Second

// UnreadFor returns member's unread counter for chat, never negative.
func UnreadFor(chat models.Chat, member string) int {
	return max(chat.Unread[member], 0)
}

// IncrementUnread returns the counters after sender posts one message: every
// other member gains one. chat.Unread is left untouched.
func IncrementUnread(chat models.Chat, sender string) map[string]int {
	out := normalized(chat)
	for _, uid := range chat.Members {
		if uid != sender {
			out[uid]++
		}
	}
	return out
}

// ResetUnread returns the counters after member views chat.
func ResetUnread(chat models.Chat, member string) map[string]int {
	out := normalized(chat)
	out[member] = 0
	return out
}

func normalized(chat models.Chat) map[string]int {
	out := make(map[string]int, len(chat.Members))
	for _, uid := range chat.Members {
		out[uid] = 0
	}
	for uid, n := range chat.Unread {
		out[uid] = max(n, 0)
	}
	return out
}

// TotalUnread sums member's counters across chats.
func TotalUnread(chats []models.Chat, member string) int {
	total := 0
	for _, c := range chats {
		total += UnreadFor(c, member)
	}
	return total
}

// Pinned returns the pinned messages, newest first.
func Pinned(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0)
	for _, m := range msgs {
		if m.IsPinned {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Message) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

// ActiveTyping returns the indicators, other than viewer's, younger than
// window at now. A pending timestamp counts as written at now.
func ActiveTyping(entries []models.TypingIndicator, viewer string, now time.Time, window time.Duration) []models.TypingIndicator {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	out := make([]models.TypingIndicator, 0)
	for _, e := range entries {
		if e.UserID == "" || e.UserID == viewer {
			continue
		}
		if !e.Timestamp.Pending && now.Sub(e.Timestamp.Time) >= window {
			continue
		}
		out = append(out, e)
	}
	return out
}

// FilterByFolder keeps chats in folder; an empty folder keeps all.
func FilterByFolder(chats []models.Chat, folder string) []models.Chat {
	if folder == "" {
		return slices.Clone(chats)
	}
	out := make([]models.Chat, 0)
	for _, c := range chats {
		if c.Folder == folder {
			out = append(out, c)
		}
	}
	return out
}

// Folders lists the distinct non-empty folders, sorted.
func Folders(chats []models.Chat) []string {
	set := make(map[string]struct{})
	for _, c := range chats {
		if c.Folder != "" {
			set[c.Folder] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// DedupeDirect collapses direct chats with the same member set, keeping the
// first one seen. chats is expected in display order, so the most recent wins.
func DedupeDirect(chats []models.Chat) []models.Chat {
	seen := make(map[string]struct{})
	out := make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		if key := c.DirectKey(); key != "" {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}

// FindDirect returns the direct chat between a and b, if any.
func FindDirect(chats []models.Chat, a, b string) (models.Chat, bool) {
	key := models.MembersKey([]string{a, b})
	for _, c := range chats {
		if !c.IsGroup && len(c.Members) == 2 && c.DirectKey() == key {
			return c, true
		}
	}
	return models.Chat{}, false
}
