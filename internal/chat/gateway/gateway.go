// Package gateway implements chat.Adapter over a websocket connection to a
// platform bridge. Requests and events are JSON frames: the adapter sends
// {"id","op","data"} requests and receives {"type":"response"} replies and
// {"type":"event"} pushes for new messages and component interactions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/chat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 64
)

// Error codes a bridge may answer with.
const (
	codeNotFound = "not_found"
)

// ErrClosed is returned by requests issued after the connection closed.
var ErrClosed = errors.New("gateway: connection closed")

// Frame types.
const (
	frameResponse = "response"
	frameEvent    = "event"
)

// Event names pushed by the bridge.
const (
	EventMessage     = "message_create"
	EventInteraction = "interaction"
)

type request struct {
	ID   string `json:"id"`
	Op   string `json:"op"`
	Data any    `json:"data,omitempty"`
}

type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// interactionEvent is a select or click on a presented view.
type interactionEvent struct {
	ID      string         `json:"id"`
	Message chat.MessageID `json:"message_id"`
	User    chat.User      `json:"user"`
	Kind    string         `json:"kind"`
	Value   string         `json:"value"`
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRequestTimeout bounds how long a request waits for its response.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// Client is a connected gateway adapter.
type Client struct {
	dialer         *websocket.Dialer
	logger         *zap.Logger
	requestTimeout time.Duration

	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	pending   map[string]chan frame
	views     map[chat.MessageID]*liveView
	onMessage func(chat.Message)

	closeOnce sync.Once
	done      chan struct{}
	err       error
	wg        sync.WaitGroup
}

type liveView struct {
	view  chat.View
	timer *time.Timer
}

var _ chat.Adapter = (*Client)(nil)

// Dial connects to the bridge at url, authenticating with token.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("gateway: token is required")
	}
	c := &Client{
		dialer:         websocket.DefaultDialer,
		logger:         zap.NewNop(),
		requestTimeout: 30 * time.Second,
		send:           make(chan []byte, sendBuffer),
		pending:        map[string]chan frame{},
		views:          map[chat.MessageID]*liveView{},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	header := http.Header{}
	header.Set("Authorization", "Bot "+token)
	conn, _, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", url, err)
	}
	c.conn = conn
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	return c, nil
}

// OnMessage registers the handler for inbound messages. It must be set
// before events arrive.
func (c *Client) OnMessage(fn func(chat.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Run blocks until ctx is done or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		c.Close()
		return nil
	case <-c.done:
		return c.err
	}
}

// Close shuts the connection and waits for the pumps.
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.mu.Lock()
		for _, v := range c.views {
			v.timer.Stop()
		}
		c.views = map[chat.MessageID]*liveView{}
		c.mu.Unlock()
	})
}

func (c *Client) readPump() {
	defer c.wg.Done()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.logger.Warn("gateway read failed", zap.Error(err))
				}
				c.shutdown(fmt.Errorf("gateway: read: %w", err))
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("gateway frame is not json", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown(fmt.Errorf("gateway: write: %w", err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown(fmt.Errorf("gateway: ping: %w", err))
				return
			}
		}
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Type {
	case frameResponse:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case frameEvent:
		switch f.Event {
		case EventMessage:
			var msg chat.Message
			if err := json.Unmarshal(f.Data, &msg); err != nil {
				c.logger.Warn("gateway message event", zap.Error(err))
				return
			}
			c.mu.Lock()
			fn := c.onMessage
			c.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		case EventInteraction:
			var ev interactionEvent
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				c.logger.Warn("gateway interaction event", zap.Error(err))
				return
			}
			c.interact(ev)
		default:
			c.logger.Debug("gateway event ignored", zap.String("event", f.Event))
		}
	}
}

func (c *Client) interact(ev interactionEvent) {
	c.mu.Lock()
	live, ok := c.views[ev.Message]
	c.mu.Unlock()
	respond := func(text string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
			defer cancel()
			if err := c.call(ctx, "respond", map[string]string{"interaction_id": ev.ID, "text": text}, nil); err != nil {
				c.logger.Debug("gateway respond", zap.Error(err))
			}
		}()
	}
	if !ok {
		respond("This interaction has expired.")
		return
	}
	in := chat.Interaction{User: ev.User, Message: ev.Message, Respond: respond}
	switch ev.Kind {
	case "select":
		if live.view.OnSelect != nil {
			live.view.OnSelect(in, ev.Value)
		}
	case "click":
		if live.view.OnClick != nil {
			live.view.OnClick(in, ev.Value)
		}
	}
}

// call sends op and decodes the response data into out when out is non-nil.
func (c *Client) call(ctx context.Context, op string, in, out any) error {
	id := uuid.NewString()
	payload, err := json.Marshal(request{ID: id, Op: op, Data: in})
	if err != nil {
		return fmt.Errorf("gateway: %s: encode: %w", op, err)
	}
	reply := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	select {
	case c.send <- payload:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("gateway: %s: %w", op, ctx.Err())
	}
	select {
	case f := <-reply:
		if !f.OK {
			if f.Code == codeNotFound {
				return fmt.Errorf("gateway: %s: %w", op, chat.ErrNotFound)
			}
			return fmt.Errorf("gateway: %s: %s", op, f.Error)
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("gateway: %s: decode: %w", op, err)
			}
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("gateway: %s: %w", op, ctx.Err())
	}
}

// file is an attachment with its contents inlined for the bridge.
type file struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type outgoing struct {
	Content string         `json:"content,omitempty"`
	Embeds  []chat.Embed   `json:"embeds,omitempty"`
	Files   []file         `json:"files,omitempty"`
	ReplyTo chat.MessageID `json:"reply_to,omitempty"`
}

func encodeOutgoing(out chat.Outgoing) (outgoing, error) {
	enc := outgoing{Content: out.Content, Embeds: out.Embeds, ReplyTo: out.ReplyTo}
	for _, a := range out.Files {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return outgoing{}, fmt.Errorf("gateway: read attachment %s: %w", a.Name, err)
		}
		enc.Files = append(enc.Files, file{Name: a.Name, Data: data})
	}
	return enc, nil
}

// Post implements chat.Adapter.
func (c *Client) Post(ctx context.Context, channel chat.ChannelID, out chat.Outgoing) (chat.Message, error) {
	enc, err := encodeOutgoing(out)
	if err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	err = c.call(ctx, "post", struct {
		Channel chat.ChannelID `json:"channel"`
		outgoing
	}{channel, enc}, &msg)
	return msg, err
}

// Edit implements chat.Adapter.
func (c *Client) Edit(ctx context.Context, msg chat.Message, out chat.Outgoing) (chat.Message, error) {
	enc, err := encodeOutgoing(out)
	if err != nil {
		return chat.Message{}, err
	}
	var edited chat.Message
	err = c.call(ctx, "edit", struct {
		Channel chat.ChannelID `json:"channel"`
		Message chat.MessageID `json:"message_id"`
		outgoing
	}{msg.Channel, msg.ID, enc}, &edited)
	return edited, err
}

type messageRef struct {
	Channel chat.ChannelID `json:"channel"`
	Message chat.MessageID `json:"message_id"`
}

// Delete implements chat.Adapter.
func (c *Client) Delete(ctx context.Context, msg chat.Message) error {
	return c.call(ctx, "delete", messageRef{msg.Channel, msg.ID}, nil)
}

// React implements chat.Adapter.
func (c *Client) React(ctx context.Context, msg chat.Message, emoji string) error {
	return c.call(ctx, "react", struct {
		messageRef
		Emoji string `json:"emoji"`
	}{messageRef{msg.Channel, msg.ID}, emoji}, nil)
}

// DM implements chat.Adapter.
func (c *Client) DM(ctx context.Context, user chat.UserID, text string) error {
	return c.call(ctx, "dm", struct {
		User chat.UserID `json:"user"`
		Text string      `json:"text"`
	}{user, text}, nil)
}

// FetchLastMessage implements chat.Adapter.
func (c *Client) FetchLastMessage(ctx context.Context, channel chat.ChannelID) (chat.Message, error) {
	var msg chat.Message
	err := c.call(ctx, "fetch_last", struct {
		Channel chat.ChannelID `json:"channel"`
	}{channel}, &msg)
	return msg, err
}

type wireView struct {
	Channel     chat.ChannelID      `json:"channel,omitempty"`
	Message     chat.MessageID      `json:"message_id,omitempty"`
	Content     string              `json:"content,omitempty"`
	Embed       *chat.Embed         `json:"embed,omitempty"`
	Placeholder string              `json:"placeholder,omitempty"`
	Options     []chat.SelectOption `json:"options,omitempty"`
	Buttons     []chat.Button       `json:"buttons,omitempty"`
}

func encodeView(view chat.View) wireView {
	return wireView{
		Content:     view.Content,
		Embed:       view.Embed,
		Placeholder: view.Placeholder,
		Options:     view.Options,
		Buttons:     view.Buttons,
	}
}

// PresentView implements chat.Adapter. Interactions are delivered to the
// view's callbacks until its timeout elapses.
func (c *Client) PresentView(ctx context.Context, channel chat.ChannelID, view chat.View) (chat.Message, error) {
	wv := encodeView(view)
	wv.Channel = channel
	var msg chat.Message
	if err := c.call(ctx, "present_view", wv, &msg); err != nil {
		return chat.Message{}, err
	}
	live := &liveView{view: view}
	timeout := view.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	id := msg.ID
	live.timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.views[id] == live {
			delete(c.views, id)
		}
	})
	c.mu.Lock()
	c.views[id] = live
	c.mu.Unlock()
	return msg, nil
}

// UpdateView implements chat.Adapter. Callbacks of the new view replace the
// old ones when set.
func (c *Client) UpdateView(ctx context.Context, msg chat.Message, view chat.View) error {
	wv := encodeView(view)
	wv.Channel, wv.Message = msg.Channel, msg.ID
	if err := c.call(ctx, "update_view", wv, nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if live, ok := c.views[msg.ID]; ok {
		if view.OnSelect != nil {
			live.view.OnSelect = view.OnSelect
		}
		if view.OnClick != nil {
			live.view.OnClick = view.OnClick
		}
	}
	return nil
}

// ListMembers implements chat.Adapter.
func (c *Client) ListMembers(ctx context.Context, channel chat.ChannelID) ([]chat.Member, error) {
	var members []chat.Member
	err := c.call(ctx, "list_members", struct {
		Channel chat.ChannelID `json:"channel"`
	}{channel}, &members)
	return members, err
}

// EnsureCategory implements chat.Adapter.
func (c *Client) EnsureCategory(ctx context.Context, name string) (chat.CategoryID, error) {
	var out struct {
		ID chat.CategoryID `json:"id"`
	}
	err := c.call(ctx, "ensure_category", struct {
		Name string `json:"name"`
	}{name}, &out)
	return out.ID, err
}

// EnsureChannel implements chat.Adapter.
func (c *Client) EnsureChannel(ctx context.Context, name string, category chat.CategoryID, overwrites []chat.Overwrite) (chat.ChannelID, error) {
	var out struct {
		ID chat.ChannelID `json:"id"`
	}
	err := c.call(ctx, "ensure_channel", struct {
		Name       string           `json:"name"`
		Category   chat.CategoryID  `json:"category,omitempty"`
		Overwrites []chat.Overwrite `json:"overwrites,omitempty"`
	}{name, category, overwrites}, &out)
	return out.ID, err
}
