// Terminal client for the chat relay.
//
// Concurrency
// -----------
//
//	A single goroutine reads newline-delimited events from the connection.
//	PINGs are answered right there so the keepalive never waits on the UI;
//	every other event is forwarded to the events channel. The Bubbletea loop
//	consumes one event at a time via waitForEvent (a tea.Cmd), queuing the
//	next read after each event is processed.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/protocol"
	"chatrelay/internal/session"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(gray).
			Padding(0, 1)

	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
	hintStyle   = lipgloss.NewStyle().Foreground(gray).Italic(true)
)

const sidebarWidth = 16

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type serverEventMsg protocol.Event // an event arrived from the server
type disconnectedMsg struct{ err error }

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// link serializes writes from the reader goroutine and the UI.
type link struct {
	conn net.Conn
	mu   sync.Mutex
}

func (l *link) send(ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.conn.Write(data)
	return err
}

// readEvents decodes server events until the connection ends. The returned
// error is nil on a clean close.
func readEvents(l *link, sess *session.Session, events chan<- protocol.Event) error {
	scanner := bufio.NewScanner(l.conn)
	scanner.Buffer(make([]byte, protocol.MaxMessageBuffer), 64*protocol.MaxMessageBuffer)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		ev, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			return err
		}
		reply, ok, err := sess.Reply(ev)
		if err != nil {
			return err
		}
		if ok {
			if err := l.send(reply); err != nil {
				return err
			}
			continue
		}
		events <- ev
	}
	return scanner.Err()
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type model struct {
	link   *link
	events chan protocol.Event
	errc   chan error
	sess   *session.Session

	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string
	status    string

	width, height int
}

func newModel(l *link, sess *session.Session, events chan protocol.Event, errc chan error) model {
	ci := textinput.New()
	ci.Placeholder = "Type a message…"
	ci.CharLimit = 500
	ci.Focus()

	return model{
		link:      l,
		events:    events,
		errc:      errc,
		sess:      sess,
		chatInput: ci,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvent(m.events, m.errc))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(m.vpWidth(), m.vpHeight())
			m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = m.vpWidth()
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverEventMsg:
		ev := protocol.Event(msg)
		if err := m.sess.Apply(ev); err != nil {
			m.status = err.Error()
			return m, tea.Quit
		}
		m.appendChat(m.render(ev))
		return m, waitForEvent(m.events, m.errc)

	case disconnectedMsg:
		m.status = "disconnected from server"
		if msg.err != nil {
			m.status += ": " + msg.err.Error()
		}
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyEnter:
		text := strings.TrimSpace(m.chatInput.Value())
		self, joined := m.sess.Self()
		if text == "" || !joined {
			return m, nil
		}
		if err := m.link.send(protocol.Chat(self, text)); err != nil {
			m.appendChat(errorStyle.Render("⚠ " + err.Error()))
			return m, nil
		}
		m.chatInput.Reset()
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// render formats one applied event as a transcript line.
func (m model) render(ev protocol.Event) string {
	self, _ := m.sess.Self()
	id, _ := ev.ID()

	switch ev.Type {
	case protocol.TypeHello:
		return sysStyle.Render(fmt.Sprintf("⚡ connected as user %d", id))
	case protocol.TypeUserJoined:
		if id == self {
			return sysStyle.Render("⚡ you are now visible to others")
		}
		return sysStyle.Render(fmt.Sprintf("⚡ user %d is online", id))
	case protocol.TypeUserLeft:
		return sysStyle.Render(fmt.Sprintf("⚡ user %d left", id))
	case protocol.TypeChat:
		ts := tsStyle.Render("[" + time.Now().Format("15:04:05") + "]")
		name := peerStyle.Render(fmt.Sprintf("user %d", id))
		if id == self {
			name = myNameStyle.Render("you")
		}
		return ts + " " + name + ": " + ev.Text
	}
	return ev.String()
}

// appendChat adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) vpWidth() int {
	return max(m.width-sidebarWidth-1, 1)
}

// vpHeight leaves room for the header and the two footer lines.
func (m model) vpHeight() int {
	return max(m.height-3, 1)
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

func (m model) View() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	who := "joining…"
	if self, ok := m.sess.Self(); ok {
		who = fmt.Sprintf("user %d", self)
	}
	online := m.sess.Online()

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" chatrelay  ·  %s  ·  %d online  ·  PgUp/Dn: Scroll  Ctrl+C: Quit", who, len(online)))

	lines := []string{hintStyle.Render("online")}
	self, _ := m.sess.Self()
	for _, id := range online {
		if id == self {
			lines = append(lines, myNameStyle.Render(fmt.Sprintf("%d (you)", id)))
		} else {
			lines = append(lines, peerStyle.Render(fmt.Sprintf("%d", id)))
		}
	}
	sidebar := sidebarStyle.
		Width(sidebarWidth).
		Height(m.vpHeight()).
		Render(strings.Join(lines, "\n"))

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.viewport.View(), sidebar)

	input := m.chatInput.View()
	if m.status != "" {
		input = errorStyle.Render(m.status)
	}
	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(input)

	return lipgloss.JoinVertical(lipgloss.Left, hdr, body, footer)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// waitForEvent blocks until the next server event arrives. When events is
// closed the reader's result is reported as disconnectedMsg.
func waitForEvent(events <-chan protocol.Event, errc <-chan error) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return disconnectedMsg{err: <-errc}
		}
		return serverEventMsg(ev)
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	addr := flag.String("addr", "localhost:5050", "server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	l := &link{conn: conn}
	if err := l.send(protocol.HelloRequest()); err != nil {
		fmt.Fprintf(os.Stderr, "hello: %v\n", err)
		os.Exit(1)
	}

	sess := session.New()
	events := make(chan protocol.Event, 64)
	errc := make(chan error, 1)

	go func() {
		err := readEvents(l, sess, events)
		errc <- err
		close(events)
	}()

	p := tea.NewProgram(
		newModel(l, sess, events, errc),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
