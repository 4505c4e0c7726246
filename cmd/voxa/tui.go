package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/muesli/reflow/wordwrap"

	"github.com/MrWong99/voxa/internal/app"
	"github.com/MrWong99/voxa/internal/session"
	"github.com/MrWong99/voxa/internal/voice"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	liveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// historyLimit caps the finished turns kept on screen.
const historyLimit = 50

type snapshotMsg session.Snapshot

type tuiModel struct {
	ctx  context.Context
	app  *app.App
	sess *session.Orchestrator

	input textinput.Model
	spin  spinner.Model
	width int

	snap     session.Snapshot
	history  []session.Turn
	lastTurn uuid.UUID
	voiceIdx int
}

func newTUIModel(ctx context.Context, a *app.App) tuiModel {
	ti := textinput.New()
	ti.Placeholder = "Ask anything…"
	ti.CharLimit = 2000
	ti.Prompt = "› "
	ti.Focus()

	return tuiModel{
		ctx:   ctx,
		app:   a,
		sess:  a.Session(),
		input: ti,
		spin:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		width: 80,
		snap:  a.Session().Snapshot(),
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick)
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case snapshotMsg:
		return m.applySnapshot(session.Snapshot(msg)), nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "enter":
		text := m.input.Value()
		if strings.TrimSpace(text) == "" || m.snap.Busy() {
			return m, nil
		}
		m.input.Reset()
		sess, ctx := m.sess, m.ctx
		return m, func() tea.Msg {
			sess.Submit(ctx, text)
			return nil
		}

	case "ctrl+r":
		if !m.app.CaptureSupported() {
			return m, nil
		}
		if m.snap.Listening {
			m.sess.StopCapture()
			return m, nil
		}
		sess, ctx := m.sess, m.ctx
		return m, func() tea.Msg {
			sess.StartCapture(ctx)
			return nil
		}

	case "ctrl+a":
		m.sess.ToggleAutoSpeak()
		return m, nil

	case "esc":
		m.sess.CancelSpeech()
		return m, nil

	case "tab":
		voices := m.app.Voices()
		if len(voices) > 0 {
			m.voiceIdx = (m.voiceIdx + 1) % len(voices)
			m.sess.SelectVoice(voices[m.voiceIdx].ID)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.sess.SetInput(m.input.Value())
	return m, cmd
}

func (m tuiModel) applySnapshot(s session.Snapshot) tuiModel {
	wasBusy := m.snap.Busy()
	m.snap = s

	// The input line mirrors live transcripts and is cleared after a turn.
	if s.Listening || (wasBusy && !s.Busy()) {
		m.input.SetValue(s.Input)
		m.input.CursorEnd()
	}

	if !s.Busy() && s.Turn.ID != uuid.Nil && s.Turn.ID != m.lastTurn && s.Turn.Status != session.StatusPending {
		m.lastTurn = s.Turn.ID
		m.history = append(m.history, s.Turn)
		if len(m.history) > historyLimit {
			m.history = m.history[len(m.history)-historyLimit:]
		}
	}
	return m
}

func (m tuiModel) View() string {
	var b strings.Builder
	wrap := max(m.width-2, 20)

	b.WriteString(titleStyle.Render("voxa"))
	b.WriteString("\n\n")

	for _, t := range m.history {
		writeTurn(&b, t, wrap)
	}
	if m.snap.Busy() {
		writeTurn(&b, m.snap.Turn, wrap)
	}

	if m.snap.Err != nil {
		b.WriteString(errorStyle.Render(wordwrap.String("Error: "+m.snap.Err.Error(), wrap)))
		b.WriteString("\n\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send · ctrl+r mic · ctrl+a auto-speak · tab voice · esc stop speech · ctrl+c quit"))
	b.WriteString("\n")
	return b.String()
}

func writeTurn(b *strings.Builder, t session.Turn, width int) {
	b.WriteString(promptStyle.Render(wordwrap.String("› "+t.Prompt, width)))
	b.WriteString("\n")
	if t.Response != "" {
		b.WriteString(wordwrap.String(t.Response, width))
		b.WriteString("\n")
	}
	if t.Status == session.StatusFailed {
		b.WriteString(errorStyle.Render("(failed)"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (m tuiModel) statusLine() string {
	parts := []string{}

	state := m.snap.State.String()
	if m.snap.Busy() {
		state = m.spin.View() + " " + state
	}
	parts = append(parts, state)

	parts = append(parts, "voice: "+m.voiceName())

	if m.snap.AutoSpeak {
		parts = append(parts, "auto-speak: on")
	} else {
		parts = append(parts, "auto-speak: off")
	}

	switch {
	case !m.app.CaptureSupported():
		parts = append(parts, "mic: unavailable")
	case m.snap.Listening:
		return statusStyle.Render(strings.Join(parts, " · ")+" · ") + liveStyle.Render("● listening")
	default:
		parts = append(parts, "mic: off")
	}
	return statusStyle.Render(strings.Join(parts, " · "))
}

func (m tuiModel) voiceName() string {
	if m.snap.VoiceID == "" {
		return "none"
	}
	if v, ok := voice.ByID(m.app.Voices(), m.snap.VoiceID); ok {
		return fmt.Sprintf("%s (%s)", v.Name, v.Lang)
	}
	return m.snap.VoiceID
}

// runTUI runs the interactive terminal front end until the user quits or ctx
// is cancelled.
func runTUI(ctx context.Context, a *app.App) error {
	p := tea.NewProgram(newTUIModel(ctx, a), tea.WithContext(ctx), tea.WithAltScreen())
	unsubscribe := a.Session().Observe(func(s session.Snapshot) {
		p.Send(snapshotMsg(s))
	})
	defer unsubscribe()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
