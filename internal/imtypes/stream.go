package imtypes

import (
	"context"
	"sync"
)

// ChanStream 是由通道支撑的 Stream。生产者调用 Push/End，消费者调用 Next。
type ChanStream struct {
	ch        chan Snapshot
	ended     chan struct{}
	closed    chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
}

// NewChanStream 创建一个缓冲区为 buffer 的流。
func NewChanStream(buffer int) *ChanStream {
	return &ChanStream{
		ch:     make(chan Snapshot, buffer),
		ended:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// NewScriptedStream 返回一个依次产生 snaps 然后结束的流。
func NewScriptedStream(snaps ...Snapshot) *ChanStream {
	s := NewChanStream(len(snaps))
	for _, snap := range snaps {
		s.ch <- snap
	}
	s.End()
	return s
}

// Push 投递一个快照，在缓冲区满时阻塞。
func (s *ChanStream) Push(ctx context.Context, snap Snapshot) error {
	select {
	case <-s.ended:
		return ErrStreamClosed
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- snap:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush 在不阻塞的情况下投递快照，缓冲区满或流已关闭时返回 false。
func (s *ChanStream) TryPush(snap Snapshot) bool {
	select {
	case <-s.ended:
		return false
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- snap:
		return true
	default:
		return false
	}
}

// End 标记不会再有快照；已缓冲的快照仍可被 Next 读取。
func (s *ChanStream) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *ChanStream) Next(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.closed:
		return Snapshot{}, ErrStreamClosed
	default:
	}
	select {
	case snap := <-s.ch:
		return snap, nil
	default:
	}
	select {
	case snap := <-s.ch:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.closed:
		return Snapshot{}, ErrStreamClosed
	case <-s.ended:
		select {
		case snap := <-s.ch:
			return snap, nil
		default:
			return Snapshot{}, ErrStreamClosed
		}
	}
}

func (s *ChanStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Done 在流被消费者关闭后关闭。
func (s *ChanStream) Done() <-chan struct{} {
	return s.closed
}
