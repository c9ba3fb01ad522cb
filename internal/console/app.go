// Package console is a terminal front end for playing quests locally. It
// drives the in-memory chat adapter: typed lines become messages from the
// current player, and slash commands switch player or channel and answer
// interactive views.
package console

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/memchat"
	"github.com/kingrea/agora/internal/logbook"
)

const eventBuffer = 256

// Router accepts inbound messages for dispatch.
type Router interface {
	Route(msg chat.Message) bool
}

// eventMsg wakes the model after the adapter changed.
type eventMsg memchat.Event

// App is the console model.
type App struct {
	adapter *memchat.Adapter
	router  Router
	journal *logbook.Logbook
	events  chan memchat.Event

	players []chat.User
	actor   int
	channel chat.ChannelID

	input     textinput.Model
	log       viewport.Model
	statusMsg string

	width  int
	height int
}

// Option customizes the console.
type Option func(*App)

// WithJournal shows the tail of the quest journal under the channel.
func WithJournal(lb *logbook.Logbook) Option {
	return func(a *App) {
		a.journal = lb
	}
}

// New builds a console over adapter. Players are added to channel, which
// becomes the current channel; the first player speaks first.
func New(adapter *memchat.Adapter, router Router, channel chat.ChannelID, players []chat.User, opts ...Option) *App {
	input := textinput.New()
	input.Placeholder = "Say something, or /as /ch /pick /click /quit"
	input.Prompt = "› "
	input.CharLimit = 2000
	input.Focus()

	a := &App{
		adapter: adapter,
		router:  router,
		events:  make(chan memchat.Event, eventBuffer),
		players: append([]chat.User(nil), players...),
		channel: channel,
		input:   input,
		log:     viewport.New(80, 16),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, p := range a.players {
		_ = adapter.AddMember(channel, p)
	}
	adapter.Subscribe(func(ev memchat.Event) {
		select {
		case a.events <- ev:
		default:
			// The view re-reads the adapter on every refresh, so a dropped
			// wake-up only delays it until the next one.
		}
	})
	a.refresh()
	return a
}

// Init starts the cursor blink and the event listener.
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.waitForEvent())
}

func (a *App) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-a.events)
	}
}

// Update handles a message and returns the updated model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil
	case eventMsg:
		switch msg.Kind {
		case memchat.EventDM:
			a.statusMsg = fmt.Sprintf("DM to %s: %s", a.userName(msg.User), msg.Text)
		default:
			if msg.Channel == a.channel {
				a.refresh()
			}
		}
		return a, a.waitForEvent()
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit
		case "enter":
			line := a.input.Value()
			a.input.Reset()
			return a, a.submit(line)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			a.log, cmd = a.log.Update(msg)
			return a, cmd
		}
	}
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// submit runs one typed line.
func (a *App) submit(line string) tea.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		a.say(line)
		return nil
	}
	verb, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "quit":
		return tea.Quit
	case "as":
		a.switchPlayer(arg)
	case "ch":
		a.switchChannel(arg)
	case "pick":
		a.pick(arg)
	case "click":
		a.click(arg)
	default:
		a.statusMsg = fmt.Sprintf("Unknown console command /%s", verb)
	}
	return nil
}

func (a *App) say(text string) {
	if len(a.players) == 0 {
		a.statusMsg = "No player. Use /as <name> first."
		return
	}
	msg, err := a.adapter.Receive(a.channel, a.players[a.actor], text)
	if err != nil {
		a.statusMsg = fmt.Sprintf("Send failed: %v", err)
		return
	}
	if !a.router.Route(msg) {
		a.statusMsg = "Message dropped"
		return
	}
	a.statusMsg = ""
}

func (a *App) switchPlayer(name string) {
	if name == "" {
		a.statusMsg = "Usage: /as <player>"
		return
	}
	for i, p := range a.players {
		if strings.EqualFold(p.Name, name) {
			a.actor = i
			a.statusMsg = fmt.Sprintf("Speaking as %s", p.Name)
			return
		}
	}
	user := chat.User{ID: chat.UserID("local-" + strings.ToLower(name)), Name: name}
	a.players = append(a.players, user)
	a.actor = len(a.players) - 1
	_ = a.adapter.AddMember(a.channel, user)
	a.statusMsg = fmt.Sprintf("%s arrived in #%s", name, a.channel)
}

func (a *App) switchChannel(name string) {
	id := chat.ChannelID(strings.ToLower(strings.TrimPrefix(name, "#")))
	for _, ch := range a.adapter.Channels() {
		if ch == id {
			a.channel = id
			a.statusMsg = fmt.Sprintf("Now in #%s", id)
			a.refresh()
			return
		}
	}
	a.statusMsg = fmt.Sprintf("No channel #%s", id)
}

func (a *App) pick(arg string) {
	id, view, ok := a.adapter.LastView(a.channel)
	if !ok || len(view.Options) == 0 {
		a.statusMsg = "Nothing to pick here"
		return
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(view.Options) {
		a.statusMsg = fmt.Sprintf("Pick a number from 1 to %d", len(view.Options))
		return
	}
	option := view.Options[n-1]
	if err := a.adapter.Select(id, a.players[a.actor], option.Value); err != nil {
		a.statusMsg = fmt.Sprintf("Pick failed: %v", err)
		return
	}
	a.statusMsg = a.lastResponse(fmt.Sprintf("Picked %s", option.Label))
}

func (a *App) click(arg string) {
	id, view, ok := a.adapter.LastView(a.channel)
	if !ok || len(view.Buttons) == 0 {
		a.statusMsg = "Nothing to click here"
		return
	}
	button := ""
	for _, b := range view.Buttons {
		if strings.EqualFold(b.ID, arg) || strings.EqualFold(b.Label, arg) || (arg == "" && len(view.Buttons) == 1) {
			button = b.ID
			break
		}
	}
	if button == "" {
		a.statusMsg = fmt.Sprintf("No button %q", arg)
		return
	}
	if err := a.adapter.Click(id, a.players[a.actor], button); err != nil {
		a.statusMsg = fmt.Sprintf("Click failed: %v", err)
		return
	}
	a.statusMsg = a.lastResponse(fmt.Sprintf("Clicked %s", button))
}

// lastResponse prefers the ephemeral reply the view sent the actor.
func (a *App) lastResponse(fallback string) string {
	replies := a.adapter.Responses(a.players[a.actor].ID)
	if len(replies) == 0 {
		return fallback
	}
	return replies[len(replies)-1]
}

func (a *App) userName(id chat.UserID) string {
	if u, ok := a.adapter.User(id); ok && u.Name != "" {
		return u.Name
	}
	return string(id)
}

func (a *App) resize() {
	width := max(40, a.width-4)
	a.input.Width = width - 4
	a.log.Width = width - 4
	a.log.Height = max(6, a.height-16)
	a.refresh()
}

func (a *App) refresh() {
	a.log.SetContent(a.renderMessages(a.log.Width))
	a.log.GotoBottom()
}

func (a *App) renderMessages(width int) string {
	name := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	bot := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	body := lipgloss.NewStyle().Width(max(20, width))

	var blocks []string
	for _, m := range a.adapter.Messages(a.channel) {
		author := name.Render(m.Author.Name)
		if m.Author.Bot {
			author = bot.Render(m.Author.Name)
		}
		lines := []string{author}
		if m.Content != "" {
			lines = append(lines, body.Render(m.Content))
		}
		for _, e := range m.Embeds {
			lines = append(lines, body.Render(renderEmbed(e)))
		}
		for _, f := range m.Files {
			lines = append(lines, muted.Render("📎 "+f.Name))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	if len(blocks) == 0 {
		return muted.Render("No messages yet.")
	}
	return strings.Join(blocks, "\n\n")
}

func renderEmbed(e chat.Embed) string {
	var b strings.Builder
	if e.Title != "" {
		b.WriteString("▌ " + e.Title)
	}
	if e.Description != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.Description)
	}
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	if e.Footer != "" {
		b.WriteString("\n" + e.Footer)
	}
	return b.String()
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ AGORA")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("#%s · %s", a.channel, a.actorName()))
	left := lipgloss.JoinVertical(lipgloss.Left, title, a.log.View())
	if pending := a.renderView(); pending != "" {
		left = lipgloss.JoinVertical(lipgloss.Left, left, "", pending)
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width-2))
	sections := []string{header, box.Render(left), box.Render(a.input.View())}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) actorName() string {
	if len(a.players) == 0 {
		return "nobody"
	}
	return a.players[a.actor].Name
}

// renderView lists the options and buttons of the channel's live view.
func (a *App) renderView() string {
	_, view, ok := a.adapter.LastView(a.channel)
	if !ok {
		return ""
	}
	var lines []string
	for i, o := range view.Options {
		label := o.Label
		if o.Emoji != "" {
			label = o.Emoji + " " + label
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, label))
	}
	var buttons []string
	for _, b := range view.Buttons {
		if b.Disabled {
			continue
		}
		buttons = append(buttons, fmt.Sprintf("[%s]", b.Label))
	}
	if len(buttons) > 0 {
		lines = append(lines, strings.Join(buttons, " "))
	}
	if len(lines) == 0 {
		return ""
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render("/pick <n> · /click <button>\n" + strings.Join(lines, "\n"))
}

func (a *App) renderLogPanel() string {
	if a.journal == nil {
		return ""
	}
	lines, total := a.journal.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.journal.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s (%d)", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}
