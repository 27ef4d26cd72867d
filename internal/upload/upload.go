// Package upload tracks attachments selected for the next outgoing message
// while they are transferred to object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// ErrUploadFailed wraps every transfer failure.
var ErrUploadFailed = errors.New("upload failed")

// ErrUnknownUpload is returned for ids the coordinator does not track.
var ErrUnknownUpload = errors.New("unknown upload")

// State of one pending attachment.
type State int

const (
	Queued State = iota
	Uploading
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Uploading:
		return "uploading"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// File is a local file selected for upload. Open is called once per attempt.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Upload is the observable state of one attachment.
type Upload struct {
	ID       string                `json:"id"`
	Name     string                `json:"name"`
	Type     models.AttachmentType `json:"type"`
	MimeType string                `json:"mimeType"`
	Size     int64                 `json:"size"`
	Progress int                   `json:"progress"` // 0..100, -1 after failure
	State    State                 `json:"state"`
	Error    string                `json:"error,omitempty"`
	Ref      *imtypes.FileInfo     `json:"ref,omitempty"`

	file    File
	attempt int
}

// Event is posted by transfers; the owner feeds it back through Apply.
type Event struct {
	ID       string
	Attempt  int
	Progress int
	Done     bool
	Info     *imtypes.FileInfo
	Err      error
}

// Coordinator is not safe for concurrent use. Transfers run in their own
// goroutines and only communicate through Events.
type Coordinator struct {
	storage imtypes.StorageService
	sem     *semaphore.Weighted
	events  chan Event
	uploads map[string]*Upload
	order   []string
	log     zerolog.Logger
}

// NewCoordinator bounds concurrent transfers to concurrency (at least 1).
func NewCoordinator(storage imtypes.StorageService, concurrency int, log zerolog.Logger) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		storage: storage,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		events:  make(chan Event, 64),
		uploads: make(map[string]*Upload),
		log:     log,
	}
}

// Enqueue registers f in the Queued state and returns its id.
func (c *Coordinator) Enqueue(f File) string {
	id := uuid.NewString()
	c.uploads[id] = &Upload{
		ID:       id,
		Name:     f.Name,
		Type:     models.AttachmentTypeFromMime(f.MimeType),
		MimeType: f.MimeType,
		Size:     f.Size,
		State:    Queued,
		file:     f,
	}
	c.order = append(c.order, id)
	return id
}

// Start begins a transfer for every queued upload and returns how many started.
func (c *Coordinator) Start(ctx context.Context) int {
	started := 0
	for _, id := range c.order {
		u := c.uploads[id]
		if u.State != Queued {
			continue
		}
		u.State = Uploading
		u.Progress = 0
		u.Error = ""
		u.attempt++
		started++
		go c.transfer(ctx, u.ID, u.attempt, u.file)
	}
	return started
}

func (c *Coordinator) transfer(ctx context.Context, id string, attempt int, f File) {
	ev := Event{ID: id, Attempt: attempt, Done: true}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		ev.Err = err
		c.post(ctx, ev)
		return
	}
	defer c.sem.Release(1)

	ev.Info, ev.Err = c.put(ctx, id, attempt, f)
	c.post(ctx, ev)
}

func (c *Coordinator) put(ctx context.Context, id string, attempt int, f File) (*imtypes.FileInfo, error) {
	if f.Open == nil {
		return nil, errors.New("no file handle")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := &countingReader{r: rc, size: f.Size, report: func(pct int) {
		select {
		case c.events <- Event{ID: id, Attempt: attempt, Progress: pct}:
		default: // progress is advisory
		}
	}}
	return c.storage.UploadFile(ctx, r, f.Size, f.Name, f.MimeType)
}

// post delivers a completion. A completion that cannot be delivered because
// ctx ended is dropped; its remote object, if any, is deleted.
func (c *Coordinator) post(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		if ev.Info != nil {
			c.discard(ev.Info)
		}
	}
}

// Results delivers transfer progress and completions.
func (c *Coordinator) Results() <-chan Event {
	return c.events
}

// Apply folds one event into the state. It reports whether the event changed
// any observable state; events from superseded attempts are ignored.
func (c *Coordinator) Apply(ev Event) bool {
	u, ok := c.uploads[ev.ID]
	if !ok || u.attempt != ev.Attempt || u.State != Uploading {
		if ev.Done && ev.Info != nil {
			c.log.Debug().Str("upload_id", ev.ID).Int("attempt", ev.Attempt).Msg("discarding superseded upload")
			go c.discard(ev.Info)
		}
		return false
	}
	if !ev.Done {
		if ev.Progress <= u.Progress {
			return false
		}
		u.Progress = min(ev.Progress, 99)
		return true
	}
	if ev.Err != nil {
		u.State = Failed
		u.Progress = -1
		u.Error = fmt.Errorf("%w: %v", ErrUploadFailed, ev.Err).Error()
		c.log.Warn().Err(ev.Err).Str("upload_id", u.ID).Str("name", u.Name).Msg("upload failed")
		return true
	}
	u.State = Succeeded
	u.Progress = 100
	u.Ref = ev.Info
	return true
}

func (c *Coordinator) discard(info *imtypes.FileInfo) {
	if err := c.storage.DeleteFile(context.Background(), info.ID); err != nil {
		c.log.Warn().Err(err).Str("file_id", info.ID).Msg("failed to delete orphaned upload")
	}
}

// Settle applies events until nothing is uploading or ctx ends.
func (c *Coordinator) Settle(ctx context.Context) error {
	for c.uploading() {
		select {
		case ev := <-c.events:
			c.Apply(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) uploading() bool {
	for _, u := range c.uploads {
		if u.State == Uploading {
			return true
		}
	}
	return false
}

// Retry moves a failed upload back to Queued.
func (c *Coordinator) Retry(id string) error {
	u, ok := c.uploads[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpload, id)
	}
	if u.State != Failed {
		return fmt.Errorf("upload %s is %s, not failed", id, u.State)
	}
	u.State = Queued
	u.Progress = 0
	u.Error = ""
	return nil
}

// Remove discards an upload in any state. A transfer still running finishes
// in the background and its result is ignored.
func (c *Coordinator) Remove(id string) bool {
	if _, ok := c.uploads[id]; !ok {
		return false
	}
	delete(c.uploads, id)
	c.order = slices.DeleteFunc(c.order, func(o string) bool { return o == id })
	return true
}

// Clear removes the given uploads, typically after they were sent.
func (c *Coordinator) Clear(ids ...string) {
	for _, id := range ids {
		c.Remove(id)
	}
}

// Get returns a copy of one upload.
func (c *Coordinator) Get(id string) (Upload, bool) {
	u, ok := c.uploads[id]
	if !ok {
		return Upload{}, false
	}
	return *u, true
}

// Uploads returns copies of every tracked upload in selection order.
func (c *Coordinator) Uploads() []Upload {
	out := make([]Upload, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.uploads[id])
	}
	return out
}

// Ready returns the attachments of succeeded uploads with their ids.
func (c *Coordinator) Ready() ([]models.Attachment, []string) {
	var atts []models.Attachment
	var ids []string
	for _, id := range c.order {
		u := c.uploads[id]
		if u.State != Succeeded || u.Ref == nil {
			continue
		}
		atts = append(atts, models.Attachment{
			ID:          u.Ref.ID,
			URL:         u.Ref.URL,
			DownloadURL: u.Ref.DownloadURL,
			Name:        u.Name,
			Type:        u.Type,
			Size:        u.Size,
		})
		ids = append(ids, id)
	}
	return atts, ids
}

// InFlight reports whether any upload is queued or uploading.
func (c *Coordinator) InFlight() bool {
	for _, u := range c.uploads {
		if u.State == Queued || u.State == Uploading {
			return true
		}
	}
	return false
}

// Len is the number of tracked uploads.
func (c *Coordinator) Len() int {
	return len(c.order)
}

type countingReader struct {
	r      io.Reader
	size   int64
	read   int64
	last   int
	report func(int)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.read += int64(n)
	if cr.size > 0 && n > 0 {
		pct := int(min(cr.read*100/cr.size, 100))
		if pct > cr.last {
			cr.last = pct
			cr.report(pct)
		}
	}
	return n, err
}
