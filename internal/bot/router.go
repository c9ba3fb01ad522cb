package bot

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/chat"
)

const (
	defaultQueueCapacity = 64
	defaultDedupeWindow  = 1024
)

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg chat.Message)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// RouterWithLogger injects a logger.
func RouterWithLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RouterWithQueueCapacity overrides the buffered queue size per channel.
func RouterWithQueueCapacity(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// RouterWithDedupeWindow controls how many recent message ids are retained.
func RouterWithDedupeWindow(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.dedupeWindow = n
		}
	}
}

// Router delivers messages to the handler with one worker per channel, so
// messages of a channel are handled in arrival order and never interleave.
// Different channels proceed independently.
type Router struct {
	ctx     context.Context
	handler Handler
	logger  *zap.Logger

	mu           sync.Mutex
	sendMu       sync.RWMutex
	queues       map[chat.ChannelID]chan chat.Message
	recentIDs    map[chat.MessageID]struct{}
	recentOrder  []chat.MessageID
	capacity     int
	dedupeWindow int
	closed       bool
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewRouter returns a router whose workers run until ctx is done or Close
// is called.
func NewRouter(ctx context.Context, handler Handler, opts ...RouterOption) *Router {
	r := &Router{
		ctx:          ctx,
		handler:      handler,
		logger:       zap.NewNop(),
		queues:       map[chat.ChannelID]chan chat.Message{},
		recentIDs:    map[chat.MessageID]struct{}{},
		capacity:     defaultQueueCapacity,
		dedupeWindow: defaultDedupeWindow,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.recentOrder = make([]chat.MessageID, 0, r.dedupeWindow)
	return r
}

// Route enqueues msg on its channel's worker. It reports false for
// duplicates and after Close. A full queue blocks the caller.
func (r *Router) Route(msg chat.Message) bool {
	if msg.ID != "" && r.isDuplicate(msg.ID) {
		return false
	}
	// Queues are only closed under the write lock, never mid-send.
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	queue, ok := r.queue(msg.Channel)
	if !ok {
		return false
	}
	select {
	case queue <- msg:
		return true
	case <-r.done:
		return false
	case <-r.ctx.Done():
		return false
	}
}

// Close stops accepting messages, drains queued ones and waits for workers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	r.sendMu.Lock()
	r.mu.Lock()
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.sendMu.Unlock()
	r.wg.Wait()
}

func (r *Router) queue(channel chat.ChannelID) (chan chat.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	if q, ok := r.queues[channel]; ok {
		return q, true
	}
	q := make(chan chat.Message, r.capacity)
	r.queues[channel] = q
	r.wg.Add(1)
	go r.work(channel, q)
	return q, true
}

func (r *Router) work(channel chat.ChannelID, queue <-chan chat.Message) {
	defer r.wg.Done()
	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				return
			}
			r.handle(msg)
		case <-r.ctx.Done():
			r.logger.Debug("router worker stopped", zap.String("channel", string(channel)))
			return
		}
	}
}

func (r *Router) handle(msg chat.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked", zap.String("channel", string(msg.Channel)), zap.Any("panic", rec))
		}
	}()
	r.handler(r.ctx, msg)
}

func (r *Router) isDuplicate(id chat.MessageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[id]; ok {
		return true
	}
	r.recentIDs[id] = struct{}{}
	r.recentOrder = append(r.recentOrder, id)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}
