package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/agora/internal/chat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// bridge is a fake platform bridge: it answers requests with handle and
// lets the test push events.
type bridge struct {
	srv    *httptest.Server
	handle func(req request, data json.RawMessage) frame

	mu       sync.Mutex
	conn     *websocket.Conn
	auth     string
	requests []string
	ready    chan struct{}
}

func newBridge(t *testing.T, handle func(req request, data json.RawMessage) frame) *bridge {
	t.Helper()
	b := &bridge{handle: handle, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.auth = r.Header.Get("Authorization")
		b.mu.Unlock()
		close(b.ready)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var raw struct {
				request
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(data, &raw); err != nil {
				continue
			}
			b.mu.Lock()
			b.requests = append(b.requests, raw.Op)
			b.mu.Unlock()
			reply := b.handle(raw.request, raw.Data)
			reply.Type = frameResponse
			reply.ID = raw.ID
			b.write(reply)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *bridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *bridge) write(f frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, _ := json.Marshal(f)
	_ = b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *bridge) push(event string, payload any) {
	data, _ := json.Marshal(payload)
	b.write(frame{Type: frameEvent, Event: event, Data: data})
}

func ok(payload any) frame {
	data, _ := json.Marshal(payload)
	return frame{OK: true, Data: data}
}

func dial(t *testing.T, b *bridge) *Client {
	t.Helper()
	c, err := Dial(context.Background(), b.url(), "secret", WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	<-b.ready
	return c
}

func TestDialRequiresToken(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestPostRoundTrip(t *testing.T) {
	type post struct {
		Channel chat.ChannelID `json:"channel"`
		Content string         `json:"content"`
	}
	posts := make(chan post, 1)
	b := newBridge(t, func(req request, data json.RawMessage) frame {
		var p post
		_ = json.Unmarshal(data, &p)
		posts <- p
		return ok(chat.Message{ID: "m1", Channel: p.Channel, Content: p.Content})
	})
	c := dial(t, b)

	msg, err := c.Post(context.Background(), "town-square", chat.Text("hello"))
	require.NoError(t, err)
	assert.Equal(t, chat.MessageID("m1"), msg.ID)
	got := <-posts
	assert.Equal(t, chat.ChannelID("town-square"), got.Channel)
	assert.Equal(t, "hello", got.Content)
	b.mu.Lock()
	assert.Equal(t, "Bot secret", b.auth)
	b.mu.Unlock()
}

func TestNotFoundMapsToChatError(t *testing.T) {
	b := newBridge(t, func(req request, _ json.RawMessage) frame {
		if req.Op == "fetch_last" {
			return frame{Code: codeNotFound, Error: "empty channel"}
		}
		return frame{Error: "boom"}
	})
	c := dial(t, b)

	_, err := c.FetchLastMessage(context.Background(), "empty")
	assert.ErrorIs(t, err, chat.ErrNotFound)
	err = c.DM(context.Background(), "u1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dm: boom")
}

func TestMessageEventsReachHandler(t *testing.T) {
	b := newBridge(t, func(request, json.RawMessage) frame { return ok(nil) })
	c := dial(t, b)
	got := make(chan chat.Message, 1)
	c.OnMessage(func(m chat.Message) { got <- m })

	b.push(EventMessage, chat.Message{ID: "m9", Channel: "lobby", Author: chat.User{ID: "u1", Name: "ada"}, Content: "-join"})
	select {
	case m := <-got:
		assert.Equal(t, "-join", m.Content)
		assert.Equal(t, "ada", m.Author.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("message event not delivered")
	}
}

func TestInteractionsReachViewCallbacks(t *testing.T) {
	b := newBridge(t, func(req request, _ json.RawMessage) frame {
		if req.Op == "present_view" {
			return ok(chat.Message{ID: "ballot", Channel: "lobby"})
		}
		return ok(nil)
	})
	c := dial(t, b)

	selected := make(chan string, 1)
	clicked := make(chan string, 1)
	_, err := c.PresentView(context.Background(), "lobby", chat.View{
		Options:  []chat.SelectOption{{Label: "Yes", Value: "yes"}},
		Buttons:  []chat.Button{{ID: "submit", Label: "Submit"}},
		OnSelect: func(_ chat.Interaction, v string) { selected <- v },
		OnClick: func(in chat.Interaction, id string) {
			in.Reply("Thanks")
			clicked <- id
		},
		Timeout: time.Minute,
	})
	require.NoError(t, err)

	b.push(EventInteraction, interactionEvent{ID: "i1", Message: "ballot", User: chat.User{ID: "u1"}, Kind: "select", Value: "yes"})
	b.push(EventInteraction, interactionEvent{ID: "i2", Message: "ballot", User: chat.User{ID: "u1"}, Kind: "click", Value: "submit"})
	assert.Equal(t, "yes", <-selected)
	assert.Equal(t, "submit", <-clicked)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, op := range b.requests {
			if op == "respond" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestsFailAfterClose(t *testing.T) {
	b := newBridge(t, func(request, json.RawMessage) frame { return ok(nil) })
	c := dial(t, b)
	require.NoError(t, c.Close())
	_, err := c.EnsureCategory(context.Background(), "quests")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Err())
}
