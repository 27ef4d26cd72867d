package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"im-sync/internal/aggregator"
	"im-sync/internal/decoder"
	"im-sync/internal/grouping"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/projector"
	"im-sync/internal/services"
	"im-sync/internal/upload"
)

// pump feeds snapshots of sel into the session until ctx ends, subscribing
// again whenever the stream breaks.
func (s *Session) pump(ctx context.Context, mountID uint64, sel imtypes.Selector) {
	log := s.log.With().Str("kind", string(sel.Kind)).Str("chat_id", sel.ChatID).Uint64("mount", mountID).Logger()
	for {
		stream, err := s.source.Subscribe(ctx, sel)
		if err == nil {
			err = s.drain(ctx, mountID, sel, stream)
			_ = stream.Close()
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, imtypes.ErrStreamClosed) {
			log.Info().Msg("订阅流已结束，重新订阅")
		} else {
			log.Error().Err(err).Msg("订阅失败，稍后重试")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ResubscribeDelay):
		}
	}
}

func (s *Session) drain(ctx context.Context, mountID uint64, sel imtypes.Selector, stream imtypes.Stream) error {
	for {
		snap, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		select {
		case s.events <- event{mount: mountID, sel: sel, snap: snap}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// toBatch decodes a snapshot. Records that fail to decode are skipped.
func toBatch[T any](snap imtypes.Snapshot, decode func(imtypes.Change) (*T, error), level func() *zerolog.Event) projector.Batch[T] {
	b := projector.Batch[T]{Full: snap.Full}
	for _, c := range snap.Changes {
		if c.Type == imtypes.ChangeRemoved {
			if !snap.Full {
				b.Deltas = append(b.Deltas, projector.Delta[T]{Op: projector.Remove, ID: c.ID, WriteID: c.WriteID})
			}
			continue
		}
		v, err := decode(c)
		if err != nil {
			level().Err(err).Str("kind", string(snap.Selector.Kind)).Str("id", c.ID).Msg("跳过无法解析的记录")
			continue
		}
		b.Deltas = append(b.Deltas, projector.Delta[T]{Op: projector.Upsert, ID: c.ID, Value: *v, WriteID: c.WriteID})
	}
	return b
}

func (s *Session) handle(ev event) {
	switch ev.sel.Kind {
	case models.KindChat:
		res := s.chats.Apply(toBatch(ev.snap, decoder.DecodeChat, s.log.Warn))
		s.logResult(ev, res)
		if !res.Changed() {
			return
		}
		s.publishChatList()
		if m := s.mounted; m != nil {
			if chat, ok := s.chats.Get(m.chatID); ok && aggregator.UnreadFor(chat, s.user.UID) > 0 {
				s.markRead(m)
			}
			s.publishChatView()
		}
	case models.KindUser:
		res := s.users.Apply(toBatch(ev.snap, decoder.DecodeUser, s.log.Warn))
		s.logResult(ev, res)
		if res.Changed() {
			s.publishChatList()
		}
	case models.KindMessage, models.KindTyping:
		m := s.mounted
		if m == nil || ev.mount != m.id {
			s.log.Debug().Uint64("mount", ev.mount).Str("kind", string(ev.sel.Kind)).Msg("丢弃已卸载会话的快照")
			return
		}
		if ev.sel.Kind == models.KindMessage {
			b := toBatch(ev.snap, func(c imtypes.Change) (*models.Message, error) {
				return decoder.DecodeMessage(m.chatID, c)
			}, s.log.Warn)
			res := m.messages.Apply(b)
			s.logResult(ev, res)
			if s.hasUnread(b) {
				s.markRead(m)
			}
			if !res.Changed() {
				return
			}
		} else {
			// 输入状态是尽力而为的，坏记录静默丢弃
			res := m.typing.Apply(toBatch(ev.snap, func(c imtypes.Change) (*models.TypingIndicator, error) {
				return decoder.DecodeTyping(m.chatID, c)
			}, s.log.Debug))
			if !res.Changed() {
				return
			}
		}
		s.publishChatView()
	}
}

func (s *Session) logResult(ev event, res projector.Result) {
	if res.Stale > 0 {
		s.log.Debug().Str("kind", string(ev.sel.Kind)).Int("stale", res.Stale).Msg("忽略未知文档的删除")
	}
	if res.Reconciled > 0 {
		s.log.Debug().Str("kind", string(ev.sel.Kind)).Int("reconciled", res.Reconciled).Msg("乐观更新已确认")
	}
}

// hasUnread reports whether b brings a message the viewer has not read.
func (s *Session) hasUnread(b projector.Batch[models.Message]) bool {
	return slices.ContainsFunc(b.Deltas, func(d projector.Delta[models.Message]) bool {
		return d.Op == projector.Upsert && d.Value.SenderID != s.user.UID && !slices.Contains(d.Value.ReadBy, s.user.UID)
	})
}

func (s *Session) mount(chatID string) {
	if m := s.mounted; m != nil && m.chatID == chatID {
		s.publishChatView()
		return
	}
	s.unmount()

	s.mountSeq++
	ctx, cancel := context.WithCancel(s.ctx)
	overlay := []projector.Option{projector.WithOverlayTimeout(s.opts.OptimisticTimeout), projector.WithClock(s.opts.Now)}
	m := &mount{
		id:       s.mountSeq,
		chatID:   chatID,
		ctx:      ctx,
		cancel:   cancel,
		messages: projector.NewMessages(overlay...),
		typing:   projector.NewTyping(),
	}
	s.mounted = m
	s.log.Debug().Str("chat_id", chatID).Uint64("mount", m.id).Msg("挂载会话")

	go s.pump(ctx, m.id, imtypes.Selector{Kind: models.KindMessage, ChatID: chatID})
	go s.pump(ctx, m.id, imtypes.Selector{Kind: models.KindTyping, ChatID: chatID})
	s.markRead(m)
	s.publishChatView()
}

// unmount cancels the mounted chat's subscriptions and discards its uploads.
// Snapshots still in flight for it are dropped by their mount id.
func (s *Session) unmount() {
	m := s.mounted
	if m == nil {
		return
	}
	m.cancel()
	s.mounted = nil
	s.log.Debug().Str("chat_id", m.chatID).Uint64("mount", m.id).Msg("卸载会话")

	if !s.lastTyping.IsZero() {
		s.lastTyping = time.Time{}
		s.clearTyping(m.chatID)
	}
	var ids []string
	for _, u := range s.uploads.Uploads() {
		ids = append(ids, u.ID)
	}
	s.uploads.Clear(ids...)
}

// markRead resets the viewer's unread counter and read receipts for m.
// The counter reset is shown immediately and confirmed by the chat snapshot.
func (s *Session) markRead(m *mount) {
	if m.marking {
		m.readAgain = true
		return
	}
	m.marking = true

	writeID := uuid.NewString()
	if chat, ok := s.chats.Get(m.chatID); ok && aggregator.UnreadFor(chat, s.user.UID) > 0 {
		chat.Unread = aggregator.ResetUnread(chat, s.user.UID)
		s.chats.Speculate(writeID, projector.Delta[models.Chat]{Op: projector.Upsert, ID: chat.ID, Value: chat})
		s.publishChatList()
	}

	mountID, chatID, uid := m.id, m.chatID, s.user.UID
	go func() {
		_, err := s.messages.MarkRead(imtypes.WithWriteID(s.ctx, writeID), uid, chatID)
		s.enqueue(func() {
			if err != nil {
				s.log.Warn().Err(err).Str("chat_id", chatID).Msg("标记已读失败")
				if s.chats.Rollback(writeID) {
					s.publishChatList()
				}
			}
			cur := s.mounted
			if cur == nil || cur.id != mountID {
				return
			}
			cur.marking = false
			if cur.readAgain && err == nil {
				cur.readAgain = false
				s.markRead(cur)
			}
		})
	}()
}

func (s *Session) send(draft services.Draft) {
	m := s.mounted
	if m == nil {
		s.fail("send", ErrNotMounted, &draft)
		return
	}
	carried, err := s.carried(draft.Attachments)
	if err != nil {
		s.fail("send", err, &draft)
		return
	}
	if s.uploads.InFlight() {
		s.fail("send", ErrUploadsInFlight, &draft)
		return
	}
	ready, uploadIDs := s.uploads.Ready()
	draft.Attachments = append(carried, ready...)
	draft.Text = strings.TrimSpace(draft.Text)
	if draft.Text == "" && len(draft.Attachments) == 0 {
		s.fail("send", services.ErrEmptyMessage, &draft)
		return
	}
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}

	// 先在本地显示，等待文档源确认
	writeID := uuid.NewString()
	msg := models.Message{
		ID:          draft.ID,
		ChatID:      m.chatID,
		SenderID:    s.user.UID,
		Text:        draft.Text,
		Attachments: draft.Attachments,
		Timestamp:   models.PendingTimestamp(),
		ReadBy:      []string{s.user.UID},
	}
	m.messages.Speculate(writeID, projector.Delta[models.Message]{Op: projector.Upsert, ID: msg.ID, Value: msg})
	if chat, ok := s.chats.Get(m.chatID); ok {
		chat.LastMessage = msg.Preview()
		chat.LastMessageSender = s.user.UID
		chat.LastMessageTime = models.PendingTimestamp()
		chat.Unread = aggregator.IncrementUnread(chat, s.user.UID)
		s.chats.Speculate(writeID, projector.Delta[models.Chat]{Op: projector.Upsert, ID: chat.ID, Value: chat})
		s.publishChatList()
	}
	s.uploads.Clear(uploadIDs...)
	for _, a := range carried {
		delete(s.returned, a.ID)
	}
	s.lastTyping = time.Time{}
	s.publishChatView()

	mountID, chatID, uid := m.id, m.chatID, s.user.UID
	go func() {
		_, err := s.messages.Send(imtypes.WithWriteID(s.ctx, writeID), uid, chatID, draft)
		if err == nil {
			return
		}
		s.enqueue(func() { s.sendFailed(mountID, writeID, draft, err) })
	}()
}

// carried resolves the attachments of a resent draft. Only attachments this
// session handed back with a failed send are accepted, in the form they were
// returned.
func (s *Session) carried(atts []models.Attachment) ([]models.Attachment, error) {
	out := make([]models.Attachment, 0, len(atts))
	for _, a := range atts {
		known, ok := s.returned[a.ID]
		if !ok {
			return nil, fmt.Errorf("附件 %q: %w", a.ID, ErrUnknownAttachment)
		}
		out = append(out, known)
	}
	return out, nil
}

func (s *Session) sendFailed(mountID uint64, writeID string, draft services.Draft, err error) {
	var rejected *services.SendRejectedError
	if errors.As(err, &rejected) {
		draft = rejected.Draft
	}
	for _, a := range draft.Attachments {
		s.returned[a.ID] = a
	}
	if s.chats.Rollback(writeID) {
		s.publishChatList()
	}
	if m := s.mounted; m != nil && m.id == mountID && m.messages.Rollback(writeID) {
		s.publishChatView()
	}
	s.fail("send", err, &draft)
}

func (s *Session) attach(f upload.File) {
	m := s.mounted
	if m == nil {
		s.fail("attach", ErrNotMounted, nil)
		return
	}
	id := s.uploads.Enqueue(f)
	s.uploads.Start(m.ctx)
	s.log.Debug().Str("upload_id", id).Str("name", f.Name).Int64("size", f.Size).Msg("开始上传附件")
	s.publishChatView()
}

func (s *Session) setTyping(active bool) {
	m := s.mounted
	if m == nil {
		return
	}
	if !active {
		if !s.lastTyping.IsZero() {
			s.lastTyping = time.Time{}
			s.clearTyping(m.chatID)
		}
		return
	}
	// 连续输入时在窗口过半前刷新一次
	now := s.opts.Now()
	if !s.lastTyping.IsZero() && now.Sub(s.lastTyping) < s.opts.TypingWindow/2 {
		return
	}
	s.lastTyping = now
	chatID, user := m.chatID, s.user
	go func() {
		if err := s.typing.SetTyping(s.ctx, user.UID, user.DisplayName, chatID); err != nil {
			s.log.Debug().Err(err).Str("chat_id", chatID).Msg("写入输入状态失败")
		}
	}()
}

func (s *Session) clearTyping(chatID string) {
	ctx, uid := context.WithoutCancel(s.ctx), s.user.UID
	go func() {
		if err := s.typing.ClearTyping(ctx, uid, chatID); err != nil {
			s.log.Debug().Err(err).Str("chat_id", chatID).Msg("清除输入状态失败")
		}
	}()
}

// tick expires unconfirmed optimistic writes and re-evaluates typing staleness.
func (s *Session) tick() {
	now := s.opts.Now()
	if expired := s.chats.Expire(now); len(expired) > 0 {
		s.log.Warn().Strs("write_ids", expired).Msg("乐观更新超时，已回滚")
		s.publishChatList()
	}
	m := s.mounted
	if m == nil {
		return
	}
	expired := m.messages.Expire(now)
	if len(expired) > 0 {
		s.log.Warn().Strs("write_ids", expired).Msg("消息乐观更新超时，已回滚")
	}
	active := typingIDs(aggregator.ActiveTyping(m.typing.CurrentView(), s.user.UID, now, s.opts.TypingWindow))
	if len(expired) > 0 || !slices.Equal(active, m.active) {
		s.publishChatView()
	}
}

func typingIDs(entries []models.TypingIndicator) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.UserID)
	}
	return ids
}

func (s *Session) publishChatList() {
	chats := aggregator.DedupeDirect(s.chats.CurrentView())
	view := &ChatListView{
		Folder:      s.folder,
		Folders:     aggregator.Folders(chats),
		TotalUnread: aggregator.TotalUnread(chats, s.user.UID),
		Users:       s.users.CurrentView(),
	}
	for _, c := range aggregator.FilterByFolder(chats, s.folder) {
		view.Chats = append(view.Chats, ChatItem{Chat: c, MyUnread: aggregator.UnreadFor(c, s.user.UID)})
	}
	if view.Chats == nil {
		view.Chats = []ChatItem{}
	}
	s.publish(Update{Kind: UpdateChatList, ChatList: view})
}

func (s *Session) publishChatView() {
	m := s.mounted
	if m == nil {
		return
	}
	msgs := m.messages.CurrentView()
	view := &ChatView{
		ChatID:   m.chatID,
		Groups:   grouping.Build(msgs, grouping.Options{MaxGap: s.opts.GroupMaxGap, Location: s.opts.Location}),
		Pinned:   aggregator.Pinned(msgs),
		Typing:   aggregator.ActiveTyping(m.typing.CurrentView(), s.user.UID, s.opts.Now(), s.opts.TypingWindow),
		Uploads:  s.uploads.Uploads(),
		CanSend:  !s.uploads.InFlight(),
		Messages: len(msgs),
	}
	if chat, ok := s.chats.Get(m.chatID); ok {
		view.Chat = &chat
	}
	m.active = typingIDs(view.Typing)
	s.publish(Update{Kind: UpdateChatView, ChatView: view})
}
