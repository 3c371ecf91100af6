package tui

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/panicsense/panicwatch/internal/bus"
	"github.com/panicsense/panicwatch/internal/flags"
	"github.com/panicsense/panicwatch/internal/progress"
	"github.com/panicsense/panicwatch/internal/socket"
	"github.com/panicsense/panicwatch/internal/storage"
	"github.com/panicsense/panicwatch/internal/types"
)

// --- Messages ---

type statusEventMsg struct {
	ev types.StatusEvent
}

type completionEventMsg struct {
	ev types.CompletionEvent
}

type busClosedMsg struct{}

type flagsLoadedMsg struct {
	completed bool
	uploading bool
	sessionID string
	progress  *types.Progress
}

type historyLoadedMsg struct {
	recs []storage.Completion
	err  error
}

type tickMsg time.Time

// --- Command helpers ---

func listenStatus(ch <-chan bus.Message) tea.Cmd {
	return func() tea.Msg {
		for {
			msg, ok := <-ch
			if !ok {
				return busClosedMsg{}
			}
			switch ev := msg.Payload.(type) {
			case types.StatusEvent:
				return statusEventMsg{ev: ev}
			default:
				// raw payloads (analyzed posts) are not rendered here
			}
		}
	}
}

func listenCompletion(ch <-chan bus.Message) tea.Cmd {
	return func() tea.Msg {
		for {
			msg, ok := <-ch
			if !ok {
				return busClosedMsg{}
			}
			if ev, isCompletion := msg.Payload.(types.CompletionEvent); isCompletion {
				return completionEventMsg{ev: ev}
			}
		}
	}
}

func loadFlags(store flags.Store) tea.Cmd {
	return func() tea.Msg {
		out := flagsLoadedMsg{}
		if v, err := store.Get(flags.KeyUploadCompleted); err == nil {
			out.completed = v == "true"
		}
		if v, err := store.Get(flags.KeyIsUploading); err == nil {
			out.uploading = v == "true"
		}
		if v, err := store.Get(flags.KeyUploadSessionID); err == nil {
			out.sessionID = v
		}
		if v, err := store.Get(flags.KeyUploadProgress); err == nil && v != "" {
			var p types.Progress
			if json.Unmarshal([]byte(v), &p) == nil {
				out.progress = &p
			}
		}
		return out
	}
}

func loadHistory(db *sql.DB) tea.Cmd {
	return func() tea.Msg {
		if db == nil {
			return historyLoadedMsg{}
		}
		recs, err := storage.ListCompletions(db, feedLimit)
		return historyLoadedMsg{recs: recs, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

const feedLimit = 50

// --- Model ---

type feedItem struct {
	when     time.Time
	source   string
	disaster string
	mood     string
	label    string
}

type Model struct {
	// Wiring
	mgr      *socket.Manager
	store    flags.Store
	db       *sql.DB
	statusCh <-chan bus.Message
	doneCh   <-chan bus.Message

	// Server state
	serverURL string
	completed bool
	uploading bool
	sessionID string
	progress  *types.Progress

	// Feed
	feed []feedItem
	err  error

	width  int
	height int
}

func NewModel(mgr *socket.Manager, store flags.Store, db *sql.DB, b *bus.Bus, serverURL string) Model {
	return Model{
		mgr:       mgr,
		store:     store,
		db:        db,
		statusCh:  b.Subscribe(types.TopicUploadStatus),
		doneCh:    b.Subscribe(types.TopicUploadCompletion),
		serverURL: serverURL,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		listenStatus(m.statusCh),
		listenCompletion(m.doneCh),
		loadFlags(m.store),
		loadHistory(m.db),
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(loadFlags(m.store), loadHistory(m.db))
		}
		return m, nil

	case tickMsg:
		// Connection state lives on the manager; poll it so the
		// indicator flips without a server message arriving.
		return m, tick()

	case statusEventMsg:
		m.progress = msg.ev.Progress
		if msg.ev.IsComplete {
			m.completed = true
			m.uploading = false
		} else {
			m.uploading = true
		}
		return m, listenStatus(m.statusCh)

	case completionEventMsg:
		m.feed = append([]feedItem{{
			when:   time.UnixMilli(msg.ev.Timestamp),
			source: msg.ev.Source,
			label:  msg.ev.Type,
		}}, m.feed...)
		if len(m.feed) > feedLimit {
			m.feed = m.feed[:feedLimit]
		}
		return m, tea.Batch(listenCompletion(m.doneCh), loadHistory(m.db))

	case busClosedMsg:
		return m, nil

	case flagsLoadedMsg:
		m.completed = msg.completed
		m.uploading = msg.uploading
		m.sessionID = msg.sessionID
		if msg.progress != nil {
			m.progress = msg.progress
		}
		return m, nil

	case historyLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		if len(msg.recs) > 0 {
			m.feed = m.feed[:0]
			for _, rec := range msg.recs {
				m.feed = append(m.feed, feedItem{
					when:     rec.AcceptedAt,
					source:   rec.Source,
					disaster: rec.DisasterType,
					mood:     rec.Sentiment,
					label:    rec.Stage,
				})
			}
		}
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "\n  Connecting to PanicSense...\n"
	}

	// Top bar
	topBarStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	var connStr string
	if m.mgr != nil && m.mgr.Connected() {
		connStr = "● connected"
	} else {
		connStr = "○ reconnecting..."
	}
	topBar := topBarStyle.Render(fmt.Sprintf("PanicSense %s  %s", m.serverURL, connStr))

	// Status line
	var statusStr string
	switch {
	case m.uploading && m.progress != nil:
		statusStr = fmt.Sprintf("Upload %s · %s", renderBar(*m.progress, 30), m.progress.Stage)
	case m.completed:
		statusStr = "Upload " + renderBar(types.Progress{Processed: 1, Total: 1}, 30) + " · " + types.StageComplete
	default:
		statusStr = "No upload in progress"
	}
	if m.sessionID != "" {
		statusStr += fmt.Sprintf("  [session %s]", m.sessionID)
	}
	statusStyle := lipgloss.NewStyle().Padding(0, 1)
	statusLine := statusStyle.Render(statusStr)

	// Feed pane
	paneHeight := m.height - 5
	if paneHeight < 3 {
		paneHeight = 3
	}
	feedBorder := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Width(m.width - 2).
		Height(paneHeight)

	var lines []string
	for i, item := range m.feed {
		if i >= paneHeight {
			break
		}
		line := item.when.Format("15:04:05") + "  "
		if item.disaster != "" {
			line += "[" + item.disaster + "] "
		}
		if item.mood != "" {
			line += item.mood + " · "
		}
		line += item.label
		if item.source != "" {
			line += "  (" + item.source + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, "No completions yet.")
	}
	if m.err != nil {
		lines = append(lines, fmt.Sprintf("history error: %v", m.err))
	}
	feedPane := feedBorder.Render(strings.Join(lines, "\n"))

	// Bottom bar
	bottomBarStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	bottomBar := bottomBarStyle.Render("r refresh · q quit")

	return lipgloss.JoinVertical(lipgloss.Left, topBar, statusLine, feedPane, bottomBar)
}

func renderBar(p types.Progress, width int) string {
	pct := progress.Percent(p)
	filled := pct * width / 100
	return fmt.Sprintf("[%s%s] %d%%",
		strings.Repeat("█", filled),
		strings.Repeat("░", width-filled),
		pct)
}
