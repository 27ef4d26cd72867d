// Package decoder maps raw document records onto the typed entities in models.
package decoder

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// ErrMalformedRecord is returned when a record lacks a required field or a field
// cannot be coerced into its declared type.
var ErrMalformedRecord = errors.New("malformed record")

// Entity is a decoded document. Exactly one pointer matching Kind is set.
type Entity struct {
	Kind    models.Kind
	Chat    *models.Chat
	Message *models.Message
	Typing  *models.TypingIndicator
	User    *models.UserProfile
}

// ID returns the identity of the decoded entity within its collection.
func (e Entity) ID() string {
	switch {
	case e.Chat != nil:
		return e.Chat.ID
	case e.Message != nil:
		return e.Message.ID
	case e.Typing != nil:
		return e.Typing.UserID
	case e.User != nil:
		return e.User.UID
	}
	return ""
}

// Decode dispatches on sel.Kind. Removed changes carry no data and must not be decoded.
func Decode(sel imtypes.Selector, c imtypes.Change) (Entity, error) {
	switch sel.Kind {
	case models.KindChat:
		chat, err := DecodeChat(c)
		return Entity{Kind: sel.Kind, Chat: chat}, err
	case models.KindMessage:
		msg, err := DecodeMessage(sel.ChatID, c)
		return Entity{Kind: sel.Kind, Message: msg}, err
	case models.KindTyping:
		ti, err := DecodeTyping(sel.ChatID, c)
		return Entity{Kind: sel.Kind, Typing: ti}, err
	case models.KindUser:
		u, err := DecodeUser(c)
		return Entity{Kind: sel.Kind, User: u}, err
	}
	return Entity{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedRecord, sel.Kind)
}

type rawChat struct {
	Members           []string `mapstructure:"members"`
	IsGroup           bool     `mapstructure:"isGroup"`
	Title             string   `mapstructure:"name"`
	Folder            string   `mapstructure:"folder"`
	CreatedBy         string   `mapstructure:"createdBy"`
	LastMessage       string   `mapstructure:"lastMessage"`
	LastMessageSender string   `mapstructure:"lastMessageSender"`
}

// DecodeChat decodes a "chats" document.
func DecodeChat(c imtypes.Change) (*models.Chat, error) {
	if c.ID == "" {
		return nil, missing("id")
	}
	if !present(c.Data, "members") {
		return nil, missing("members")
	}
	var raw rawChat
	if err := weakDecode(c.Data, &raw); err != nil {
		return nil, err
	}
	chat := &models.Chat{
		ID:                c.ID,
		Members:           raw.Members,
		IsGroup:           raw.IsGroup,
		Title:             raw.Title,
		Folder:            raw.Folder,
		CreatedBy:         raw.CreatedBy,
		LastMessage:       raw.LastMessage,
		LastMessageSender: raw.LastMessageSender,
		Unread:            decodeUnread(c.Data["unreadCount"]),
	}
	if chat.Members == nil {
		chat.Members = []string{}
	}
	if v, ok := c.Data["lastMessageTime"]; ok {
		ts, err := Timestamp(v)
		if err != nil {
			return nil, fieldErr("lastMessageTime", err)
		}
		chat.LastMessageTime = ts
	}
	return chat, nil
}

type rawAttachment struct {
	ID          string `mapstructure:"id"`
	URL         string `mapstructure:"url"`
	DownloadURL string `mapstructure:"downloadUrl"`
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Size        int64  `mapstructure:"size"`
}

type rawMessage struct {
	SenderID    string          `mapstructure:"senderId"`
	Text        string          `mapstructure:"text"`
	Attachments []rawAttachment `mapstructure:"attachments"`
	IsEdited    bool            `mapstructure:"isEdited"`
	IsPinned    bool            `mapstructure:"isPinned"`
	ReadBy      []string        `mapstructure:"readBy"`
}

// DecodeMessage decodes a "messages" document belonging to chatID.
func DecodeMessage(chatID string, c imtypes.Change) (*models.Message, error) {
	if c.ID == "" {
		return nil, missing("id")
	}
	if cast.ToString(c.Data["senderId"]) == "" {
		return nil, missing("senderId")
	}
	var raw rawMessage
	if err := weakDecode(c.Data, &raw); err != nil {
		return nil, err
	}
	if chatID == "" {
		chatID = cast.ToString(c.Data["chatId"])
	}
	msg := &models.Message{
		ID:       c.ID,
		ChatID:   chatID,
		SenderID: raw.SenderID,
		Text:     raw.Text,
		IsEdited: raw.IsEdited,
		IsPinned: raw.IsPinned,
		ReadBy:   raw.ReadBy,
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	for _, a := range raw.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:          a.ID,
			URL:         a.URL,
			DownloadURL: a.DownloadURL,
			Name:        a.Name,
			Type:        models.ParseAttachmentType(a.Type),
			Size:        max(a.Size, 0),
		})
	}
	ts, err := Timestamp(c.Data["timestamp"])
	if err != nil {
		return nil, fieldErr("timestamp", err)
	}
	msg.Timestamp = ts
	return msg, nil
}

// DecodeTyping decodes a "typing" document belonging to chatID.
func DecodeTyping(chatID string, c imtypes.Change) (*models.TypingIndicator, error) {
	uid := cast.ToString(c.Data["userId"])
	if uid == "" {
		return nil, missing("userId")
	}
	if chatID == "" {
		chatID = cast.ToString(c.Data["chatId"])
	}
	ts, err := Timestamp(c.Data["timestamp"])
	if err != nil {
		return nil, fieldErr("timestamp", err)
	}
	return &models.TypingIndicator{
		ChatID:    chatID,
		UserID:    uid,
		UserName:  cast.ToString(c.Data["userName"]),
		Timestamp: ts,
	}, nil
}

type rawUser struct {
	UID         string `mapstructure:"uid"`
	DisplayName string `mapstructure:"displayName"`
	AvatarURL   string `mapstructure:"photoURL"`
	Bio         string `mapstructure:"bio"`
	IsOnline    bool   `mapstructure:"isOnline"`
}

// DecodeUser decodes a "users" document. The uid falls back to the document id.
func DecodeUser(c imtypes.Change) (*models.UserProfile, error) {
	var raw rawUser
	if err := weakDecode(c.Data, &raw); err != nil {
		return nil, err
	}
	if raw.UID == "" {
		raw.UID = c.ID
	}
	if raw.UID == "" {
		return nil, missing("uid")
	}
	u := &models.UserProfile{
		UID:         raw.UID,
		DisplayName: raw.DisplayName,
		AvatarURL:   raw.AvatarURL,
		Bio:         raw.Bio,
		IsOnline:    raw.IsOnline,
	}
	if v, ok := c.Data["lastSeen"]; ok {
		ts, err := Timestamp(v)
		if err != nil {
			return nil, fieldErr("lastSeen", err)
		}
		u.LastSeen = ts
	}
	return u, nil
}

func weakDecode(data map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return nil
}

// decodeUnread coerces every counter to an int, dropping entries that are not
// numeric and clamping negatives to zero.
func decodeUnread(v any) map[string]int {
	out := map[string]int{}
	if typed, ok := v.(map[string]int); ok {
		for uid, n := range typed {
			out[uid] = max(n, 0)
		}
		return out
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return out
	}
	for uid, raw := range m {
		n, err := cast.ToIntE(raw)
		if err != nil {
			continue
		}
		out[uid] = max(n, 0)
	}
	return out
}

func present(data map[string]any, key string) bool {
	v, ok := data[key]
	return ok && v != nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedRecord, field)
}

func fieldErr(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedRecord, field, err)
}
