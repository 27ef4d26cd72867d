// Package session drives the view model of one connected user: it subscribes
// to the user's chats, mounts one chat at a time and pushes derived views.
//
// All projector, upload and mount state is owned by the goroutine running
// Run. Subscription pumps, writes and uploads run elsewhere and hand their
// results back to that goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"im-sync/internal/auth"
	"im-sync/internal/config"
	"im-sync/internal/grouping"
	"im-sync/internal/imtypes"
	"im-sync/internal/models"
	"im-sync/internal/projector"
	"im-sync/internal/services"
	"im-sync/internal/upload"
)

var (
	ErrClosed            = errors.New("session closed")
	ErrNotMounted        = errors.New("没有打开的会话")
	ErrUploadsInFlight   = errors.New("仍有附件在上传")
	ErrUnknownAttachment = errors.New("附件不是由本会话上传的")
)

// Options tunes a Session. Zero fields take defaults.
type Options struct {
	GroupMaxGap       time.Duration
	Location          *time.Location
	TypingWindow      time.Duration
	TypingRefresh     time.Duration
	OptimisticTimeout time.Duration
	UploadConcurrency int
	ResubscribeDelay  time.Duration
	Now               func() time.Time
}

// OptionsFromConfig maps the SYNC configuration section onto Options.
func OptionsFromConfig(cfg config.SyncConfig) (Options, error) {
	opts := Options{
		GroupMaxGap:       cfg.GroupMaxGap,
		TypingWindow:      cfg.TypingWindow,
		TypingRefresh:     cfg.TypingRefresh,
		OptimisticTimeout: cfg.OptimisticTimeout,
		UploadConcurrency: cfg.UploadConcurrency,
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return Options{}, fmt.Errorf("无效的时区 %q: %w", cfg.Timezone, err)
		}
		opts.Location = loc
	}
	return opts, nil
}

func (o Options) withDefaults() Options {
	if o.GroupMaxGap <= 0 {
		o.GroupMaxGap = grouping.DefaultMaxGap
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = 10 * time.Second
	}
	if o.TypingRefresh <= 0 {
		o.TypingRefresh = time.Second
	}
	if o.OptimisticTimeout <= 0 {
		o.OptimisticTimeout = 30 * time.Second
	}
	if o.UploadConcurrency <= 0 {
		o.UploadConcurrency = 3
	}
	if o.ResubscribeDelay <= 0 {
		o.ResubscribeDelay = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// event is a snapshot tagged with the mount it was subscribed for. Mount 0 is
// the session-wide chat list and user directory.
type event struct {
	mount uint64
	sel   imtypes.Selector
	snap  imtypes.Snapshot
}

type mount struct {
	id       uint64
	chatID   string
	ctx      context.Context
	cancel   context.CancelFunc
	messages *projector.Projector[models.Message]
	typing   *projector.Projector[models.TypingIndicator]
	active   []string // typing uids in the last published view

	marking   bool
	readAgain bool
}

// Session is the view-model synchronizer of one connected user.
type Session struct {
	user     auth.Identity
	source   imtypes.DocumentSource
	messages services.MessageService
	typing   services.TypingService
	uploads  *upload.Coordinator
	opts     Options
	log      zerolog.Logger

	cmds    chan func()
	events  chan event
	updates chan Update
	done    chan struct{}

	// owned by Run
	ctx        context.Context
	chats      *projector.Projector[models.Chat]
	users      *projector.Projector[models.UserProfile]
	folder     string
	mountSeq   uint64
	mounted    *mount
	lastTyping time.Time
	// 发送失败后随草稿退回的附件，重发时只接受这些
	returned map[string]models.Attachment
}

// New creates a session for user. Run must be called to start it.
func New(user auth.Identity, source imtypes.DocumentSource, messages services.MessageService, typing services.TypingService,
	storage imtypes.StorageService, opts Options, log zerolog.Logger) *Session {
	opts = opts.withDefaults()
	overlay := []projector.Option{projector.WithOverlayTimeout(opts.OptimisticTimeout), projector.WithClock(opts.Now)}
	return &Session{
		user:     user,
		source:   source,
		messages: messages,
		typing:   typing,
		uploads:  upload.NewCoordinator(storage, opts.UploadConcurrency, log),
		opts:     opts,
		log:      log.With().Str("uid", user.UID).Logger(),
		cmds:     make(chan func()),
		events:   make(chan event, 64),
		updates:  make(chan Update, 16),
		done:     make(chan struct{}),
		chats:    projector.NewChats(overlay...),
		users:    projector.NewUsers(),
		returned: make(map[string]models.Attachment),
	}
}

// Updates delivers view changes. It must be drained while the session runs.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run owns the session state until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	go s.pump(ctx, 0, imtypes.Selector{Kind: models.KindChat, Member: s.user.UID})
	go s.pump(ctx, 0, imtypes.Selector{Kind: models.KindUser})

	ticker := time.NewTicker(s.opts.TypingRefresh)
	defer ticker.Stop()
	defer s.unmount()

	s.log.Debug().Msg("会话开始")
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("会话结束")
			return ctx.Err()
		case fn := <-s.cmds:
			fn()
		case ev := <-s.events:
			s.handle(ev)
		case ev := <-s.uploads.Results():
			if s.uploads.Apply(ev) {
				s.publishChatView()
			}
		case <-ticker.C:
			s.tick()
		}
	}
}

// do runs fn on the session goroutine.
func (s *Session) do(fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// enqueue hands a completion back to the session goroutine; it is dropped
// once the session has stopped.
func (s *Session) enqueue(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Mount opens chatID, replacing the current chat.
func (s *Session) Mount(chatID string) error {
	if chatID == "" {
		return fmt.Errorf("缺少会话 ID")
	}
	return s.do(func() { s.mount(chatID) })
}

// Unmount closes the current chat.
func (s *Session) Unmount() error {
	return s.do(func() {
		if s.mounted != nil {
			s.unmount()
			s.publish(Update{Kind: UpdateChatView})
		}
	})
}

// SetFolder filters the chat list; "" shows every chat.
func (s *Session) SetFolder(folder string) error {
	return s.do(func() {
		s.folder = folder
		s.publishChatList()
	})
}

// Typing reports composer activity in the current chat.
func (s *Session) Typing(active bool) error {
	return s.do(func() { s.setTyping(active) })
}

// Send sends text plus every finished upload and any attachments in draft
// into the current chat. It is refused while uploads are still running.
func (s *Session) Send(draft services.Draft) error {
	return s.do(func() { s.send(draft) })
}

// Attach starts uploading f for the next message.
func (s *Session) Attach(f upload.File) error {
	return s.do(func() { s.attach(f) })
}

// RetryUpload restarts a failed upload.
func (s *Session) RetryUpload(id string) error {
	return s.do(func() {
		m := s.mounted
		if m == nil {
			s.fail("retry_upload", ErrNotMounted, nil)
			return
		}
		if err := s.uploads.Retry(id); err != nil {
			s.fail("retry_upload", err, nil)
			return
		}
		s.uploads.Start(m.ctx)
		s.publishChatView()
	})
}

// RemoveUpload discards an upload in any state.
func (s *Session) RemoveUpload(id string) error {
	return s.do(func() {
		if s.uploads.Remove(id) {
			s.publishChatView()
		}
	})
}

func (s *Session) publish(u Update) {
	select {
	case s.updates <- u:
	case <-s.ctx.Done():
	}
}

func (s *Session) fail(op string, err error, draft *services.Draft) {
	s.log.Warn().Err(err).Str("op", op).Msg("操作失败")
	s.publish(Update{Kind: UpdateError, Error: &ActionError{Op: op, Message: err.Error(), Draft: draft, Err: err}})
}
