// Package livequery implements imtypes.DocumentSource on top of the document
// repository, the Kafka change feed and the Redis typing store.
package livequery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/storage"
)

// Publisher announces committed writes, e.g. kafka.ChangePublisher.
type Publisher interface {
	Publish(ctx context.Context, ev imtypes.ChangeEvent) error
}

// TypingStore keeps short-lived typing indicators, e.g. redis.TypingStore.
type TypingStore interface {
	Set(ctx context.Context, chatID, userID string, data map[string]any) error
	Clear(ctx context.Context, chatID, userID string) error
	List(ctx context.Context, chatID string) ([]imtypes.Change, error)
	Subscribe(ctx context.Context, chatID string) (<-chan imtypes.Change, func() error, error)
}

// Source fans committed changes out to live subscriptions. Without a
// Publisher, writes are dispatched in-process only.
type Source struct {
	repo   storage.DocumentRepository
	pub    Publisher
	typing TypingStore
	buffer int
	now    func() time.Time
	log    zerolog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
}

// Option configures a Source.
type Option func(*Source)

func WithPublisher(p Publisher) Option { return func(s *Source) { s.pub = p } }

func WithTypingStore(t TypingStore) Option { return func(s *Source) { s.typing = t } }

// WithBuffer sets the per-subscription snapshot buffer.
func WithBuffer(n int) Option { return func(s *Source) { s.buffer = n } }

func WithClock(now func() time.Time) Option { return func(s *Source) { s.now = now } }

// NewSource creates a live document source.
func NewSource(repo storage.DocumentRepository, log zerolog.Logger, opts ...Option) *Source {
	s := &Source{
		repo:   repo,
		buffer: 64,
		now:    time.Now,
		log:    log,
		subs:   make(map[uint64]*subscription),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ imtypes.DocumentSource = (*Source)(nil)

type subscription struct {
	sel    imtypes.Selector
	stream *imtypes.ChanStream

	mu      sync.Mutex
	ready   bool
	ended   bool
	pending []imtypes.ChangeEvent
	known   map[string]int64 // id -> last version delivered
}

// Subscribe opens a live subscription. The first snapshot is Full.
func (s *Source) Subscribe(ctx context.Context, sel imtypes.Selector) (imtypes.Stream, error) {
	if err := validate(sel); err != nil {
		return nil, err
	}
	if sel.Kind == models.KindTyping {
		return s.subscribeTyping(ctx, sel)
	}

	sub := &subscription{
		sel:    sel,
		stream: imtypes.NewChanStream(s.buffer),
		known:  make(map[string]int64),
	}
	// register before the initial read so no committed change falls in between
	id := s.register(sub)

	docs, err := s.repo.List(ctx, sel)
	if err != nil {
		s.unregister(id)
		return nil, fmt.Errorf("初始快照读取失败 %s: %w", sel.Kind, err)
	}

	full := imtypes.Snapshot{Selector: sel, Full: true, At: s.now()}
	for _, d := range docs {
		full.Changes = append(full.Changes, imtypes.Change{Type: imtypes.ChangeAdded, ID: d.ID, Data: map[string]any(d.Data)})
		sub.known[d.ID] = d.Version
	}

	sub.mu.Lock()
	sub.stream.TryPush(full)
	for _, ev := range sub.pending {
		s.deliver(sub, ev)
	}
	sub.pending = nil
	sub.ready = true
	sub.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.stream.Close()
		case <-sub.stream.Done():
		}
		s.unregister(id)
	}()
	return sub.stream, nil
}

func validate(sel imtypes.Selector) error {
	switch sel.Kind {
	case models.KindChat:
		if sel.Member == "" {
			return fmt.Errorf("订阅会话需要成员")
		}
	case models.KindMessage, models.KindTyping:
		if sel.ChatID == "" {
			return fmt.Errorf("订阅 %s 需要会话 ID", sel.Kind)
		}
	case models.KindUser:
	default:
		return fmt.Errorf("未知的集合 %q", sel.Kind)
	}
	return nil
}

func (s *Source) register(sub *subscription) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = sub
	return s.nextID
}

func (s *Source) unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Subscriptions is the number of live document subscriptions.
func (s *Source) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dispatch delivers a committed change to every matching subscription. It is
// the sink of the Kafka change-feed consumer.
func (s *Source) Dispatch(_ context.Context, ev imtypes.ChangeEvent) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.sel.Kind == ev.Kind {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.ready {
			sub.pending = append(sub.pending, ev)
		} else {
			s.deliver(sub, ev)
		}
		sub.mu.Unlock()
	}
}

// deliver must be called with sub.mu held.
func (s *Source) deliver(sub *subscription, ev imtypes.ChangeEvent) {
	if sub.ended {
		return
	}
	c, ok := sub.match(ev)
	if !ok {
		return
	}
	snap := imtypes.Snapshot{Selector: sub.sel, Changes: []imtypes.Change{c}, At: ev.At}
	if !sub.stream.TryPush(snap) {
		// a subscriber this far behind resubscribes and gets a fresh full snapshot
		s.log.Warn().Str("kind", string(sub.sel.Kind)).Str("chat_id", sub.sel.ChatID).
			Str("member", sub.sel.Member).Msg("订阅缓冲已满，结束订阅")
		sub.ended = true
		sub.stream.End()
	}
}

// match turns ev into the change this subscription observes, if any, and
// records the delivered version.
func (sub *subscription) match(ev imtypes.ChangeEvent) (imtypes.Change, bool) {
	if !sub.selects(ev) {
		return imtypes.Change{}, false
	}
	last, known := sub.known[ev.ID]

	leaving := sub.sel.Kind == models.KindChat && !slices.Contains(ev.Members, sub.sel.Member)
	if ev.Type == imtypes.ChangeRemoved || leaving {
		if !known {
			return imtypes.Change{}, false
		}
		delete(sub.known, ev.ID)
		return imtypes.Change{Type: imtypes.ChangeRemoved, ID: ev.ID, WriteID: ev.WriteID}, true
	}
	if known && ev.Version != 0 && ev.Version <= last {
		return imtypes.Change{}, false
	}
	sub.known[ev.ID] = ev.Version
	c := ev.Change()
	c.Type = imtypes.ChangeModified
	if !known {
		c.Type = imtypes.ChangeAdded
	}
	return c, true
}

func (sub *subscription) selects(ev imtypes.ChangeEvent) bool {
	if len(sub.sel.IDs) > 0 && !slices.Contains(sub.sel.IDs, ev.ID) {
		return false
	}
	switch sub.sel.Kind {
	case models.KindChat:
		_, known := sub.known[ev.ID]
		return known || slices.Contains(ev.Members, sub.sel.Member)
	case models.KindMessage:
		return ev.ChatID == sub.sel.ChatID
	}
	return true
}

func (s *Source) subscribeTyping(ctx context.Context, sel imtypes.Selector) (imtypes.Stream, error) {
	if s.typing == nil {
		return nil, errors.New("未配置输入状态存储")
	}
	ctx, cancel := context.WithCancel(ctx)
	changes, closeSub, err := s.typing.Subscribe(ctx, sel.ChatID)
	if err != nil {
		cancel()
		return nil, err
	}
	initial, err := s.typing.List(ctx, sel.ChatID)
	if err != nil {
		cancel()
		_ = closeSub()
		return nil, fmt.Errorf("初始输入状态读取失败 %s: %w", sel.ChatID, err)
	}

	stream := imtypes.NewChanStream(s.buffer)
	stream.TryPush(imtypes.Snapshot{Selector: sel, Full: true, Changes: initial, At: s.now()})

	go func() {
		defer func() {
			cancel()
			_ = closeSub()
			stream.End()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stream.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				snap := imtypes.Snapshot{Selector: sel, Changes: []imtypes.Change{c}, At: s.now()}
				if err := stream.Push(ctx, snap); err != nil {
					return
				}
			}
		}
	}()
	return stream, nil
}

// Get reads one document.
func (s *Source) Get(ctx context.Context, kind models.Kind, id string) (map[string]any, error) {
	if kind == models.KindTyping {
		return nil, fmt.Errorf("输入状态不支持单独读取: %w", imtypes.ErrNotFound)
	}
	doc, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return maps.Clone(map[string]any(doc.Data)), nil
}

// List reads every document matching sel.
func (s *Source) List(ctx context.Context, sel imtypes.Selector) ([]imtypes.Change, error) {
	if err := validate(sel); err != nil {
		return nil, err
	}
	if sel.Kind == models.KindTyping {
		if s.typing == nil {
			return nil, errors.New("未配置输入状态存储")
		}
		return s.typing.List(ctx, sel.ChatID)
	}
	docs, err := s.repo.List(ctx, sel)
	if err != nil {
		return nil, err
	}
	out := make([]imtypes.Change, 0, len(docs))
	for _, d := range docs {
		out = append(out, imtypes.Change{Type: imtypes.ChangeAdded, ID: d.ID, Data: map[string]any(d.Data)})
	}
	return out, nil
}

// Write merges patch into the document and announces the change.
func (s *Source) Write(ctx context.Context, kind models.Kind, id string, patch map[string]any) error {
	if kind == models.KindTyping {
		if s.typing == nil {
			return errors.New("未配置输入状态存储")
		}
		data := storage.MergePatch(nil, patch, s.now())
		chatID, userID := cast.ToString(data["chatId"]), cast.ToString(data["userId"])
		if chatID == "" || userID == "" {
			var ok bool
			if chatID, userID, ok = imtypes.SplitTypingDocID(id); !ok {
				return fmt.Errorf("输入状态缺少 chatId/userId")
			}
			data["chatId"], data["userId"] = chatID, userID
		}
		return s.typing.Set(ctx, chatID, userID, data)
	}

	doc, created, err := s.repo.Merge(ctx, kind, id, patch)
	if err != nil {
		return err
	}
	typ := imtypes.ChangeModified
	if created {
		typ = imtypes.ChangeAdded
	}
	s.announce(ctx, imtypes.ChangeEvent{
		Kind:    kind,
		ID:      id,
		ChatID:  doc.ChatID,
		Members: doc.Members,
		Type:    typ,
		Data:    map[string]any(doc.Data),
		Version: doc.Version,
		WriteID: imtypes.WriteIDFromContext(ctx),
		At:      s.now(),
	})
	return nil
}

// Delete removes the document and announces the removal.
func (s *Source) Delete(ctx context.Context, kind models.Kind, id string) error {
	if kind == models.KindTyping {
		if s.typing == nil {
			return errors.New("未配置输入状态存储")
		}
		chatID, userID, ok := imtypes.SplitTypingDocID(id)
		if !ok {
			return fmt.Errorf("非法的输入状态 ID %q", id)
		}
		return s.typing.Clear(ctx, chatID, userID)
	}

	doc, err := s.repo.Delete(ctx, kind, id)
	if err != nil {
		return err
	}
	s.announce(ctx, imtypes.ChangeEvent{
		Kind:    kind,
		ID:      id,
		ChatID:  doc.ChatID,
		Members: doc.Members,
		Type:    imtypes.ChangeRemoved,
		Version: doc.Version + 1,
		WriteID: imtypes.WriteIDFromContext(ctx),
		At:      s.now(),
	})
	return nil
}

// announce publishes ev to the change feed. The write is already committed, so
// a publish failure only degrades to in-process delivery.
func (s *Source) announce(ctx context.Context, ev imtypes.ChangeEvent) {
	if s.pub == nil {
		s.Dispatch(ctx, ev)
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("kind", string(ev.Kind)).Str("id", ev.ID).Msg("发布变更失败，仅本地分发")
		s.Dispatch(ctx, ev)
	}
}
