package session_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/services"
	"im-sync/internal/session"
)

// fakeSource 按选择器依次交出预先准备的流；用完后返回永不产出的流。
type fakeSource struct {
	mu      sync.Mutex
	streams map[string][]imtypes.Stream
	subs    map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(map[string][]imtypes.Stream), subs: make(map[string]int)}
}

func selKey(sel imtypes.Selector) string {
	return fmt.Sprintf("%s/%s/%s", sel.Kind, sel.ChatID, sel.Member)
}

func (f *fakeSource) add(sel imtypes.Selector, streams ...imtypes.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[selKey(sel)] = append(f.streams[selKey(sel)], streams...)
}

func (f *fakeSource) subscriptions(sel imtypes.Selector) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[selKey(sel)]
}

func (f *fakeSource) Subscribe(_ context.Context, sel imtypes.Selector) (imtypes.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := selKey(sel)
	f.subs[k]++
	if q := f.streams[k]; len(q) > 0 {
		f.streams[k] = q[1:]
		return q[0], nil
	}
	return imtypes.NewChanStream(0), nil
}

func (f *fakeSource) Get(context.Context, models.Kind, string) (map[string]any, error) {
	return nil, imtypes.ErrNotFound
}

func (f *fakeSource) List(context.Context, imtypes.Selector) ([]imtypes.Change, error) {
	return nil, nil
}

func (f *fakeSource) Write(context.Context, models.Kind, string, map[string]any) error { return nil }

func (f *fakeSource) Delete(context.Context, models.Kind, string) error { return nil }

// leakyStream ignores ctx: it hands out its snapshot once release is closed,
// even after the subscriber has gone away.
type leakyStream struct {
	release chan struct{}
	snap    imtypes.Snapshot
	once    sync.Once
}

func (l *leakyStream) Next(context.Context) (imtypes.Snapshot, error) {
	<-l.release
	sent := false
	l.once.Do(func() { sent = true })
	if !sent {
		return imtypes.Snapshot{}, imtypes.ErrStreamClosed
	}
	return l.snap, nil
}

func (l *leakyStream) Close() error { return nil }

type MockMessages struct {
	mock.Mock
}

func (m *MockMessages) Send(ctx context.Context, senderID, chatID string, draft services.Draft) (*models.Message, error) {
	args := m.Called(ctx, senderID, chatID, draft)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MockMessages) Edit(ctx context.Context, uid, chatID, messageID, text string) error {
	return m.Called(ctx, uid, chatID, messageID, text).Error(0)
}

func (m *MockMessages) Delete(ctx context.Context, uid, chatID, messageID string) error {
	return m.Called(ctx, uid, chatID, messageID).Error(0)
}

func (m *MockMessages) TogglePin(ctx context.Context, uid, chatID, messageID string) (bool, error) {
	args := m.Called(ctx, uid, chatID, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessages) MarkRead(ctx context.Context, uid, chatID string) (int, error) {
	args := m.Called(ctx, uid, chatID)
	return args.Int(0), args.Error(1)
}

type MockTyping struct {
	mock.Mock
}

func (m *MockTyping) SetTyping(ctx context.Context, uid, userName, chatID string) error {
	return m.Called(ctx, uid, userName, chatID).Error(0)
}

func (m *MockTyping) ClearTyping(ctx context.Context, uid, chatID string) error {
	return m.Called(ctx, uid, chatID).Error(0)
}

// gatedStorage 的上传在 gate 关闭前阻塞。
type gatedStorage struct {
	gate chan struct{}
}

func (g *gatedStorage) UploadFile(ctx context.Context, r io.Reader, size int64, name, mime string) (*imtypes.FileInfo, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return &imtypes.FileInfo{ID: "f-" + name, URL: "/uploads/f-" + name, Size: size, MimeType: mime, FileName: name}, nil
}

func (g *gatedStorage) DeleteFile(context.Context, string) error { return nil }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func textFile(body string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil }
}

// waitFor 读取更新直到 pred 满足。
func waitFor(t *testing.T, s *session.Session, pred func(session.Update) bool) session.Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-s.Updates():
			if pred(u) {
				return u
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for update")
			return session.Update{}
		}
	}
}

func chatList(pred func(*session.ChatListView) bool) func(session.Update) bool {
	return func(u session.Update) bool { return u.Kind == session.UpdateChatList && pred(u.ChatList) }
}

func chatView(pred func(*session.ChatView) bool) func(session.Update) bool {
	return func(u session.Update) bool {
		return u.Kind == session.UpdateChatView && u.ChatView != nil && pred(u.ChatView)
	}
}

func messageIDs(v *session.ChatView) []string {
	var ids []string
	for _, g := range v.Groups {
		for _, m := range g.Messages {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
