package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/voxa/internal/app"
	"github.com/MrWong99/voxa/internal/history"
	"github.com/MrWong99/voxa/internal/session"
	"github.com/MrWong99/voxa/internal/voice"
)

const headlessHelp = `commands:
  /listen       start speech capture
  /stop         stop speech capture
  /mute         stop speaking and turn auto-speak off
  /autospeak    toggle auto-speak
  /voices       list voices
  /voice NAME   select a voice by id or name
  /history      show recent turns
  /search TEXT  search earlier turns
  /quit         exit
anything else is sent as a prompt`

const busyMsg = "busy, try again when the current reply has finished"

// historyShown caps the entries printed by /history and /search.
const historyShown = 10

func printEntries(out io.Writer, entries []history.Entry, err error) {
	if err != nil {
		fmt.Fprintf(out, "history: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no turns")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "[%s] › %s\n", e.Started.Format("15:04:05"), e.Prompt)
		if e.Response != "" {
			fmt.Fprintf(out, "  %s\n", e.Response)
		}
		if e.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", e.Error)
		}
	}
}

// streamPrinter writes response fragments to out as they arrive.
type streamPrinter struct {
	out io.Writer

	mu      sync.Mutex
	turn    uuid.UUID
	printed int
	lastErr error
}

func (p *streamPrinter) observe(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Turn.ID != p.turn {
		p.turn = s.Turn.ID
		p.printed = 0
	}
	if len(s.Turn.Response) > p.printed {
		fmt.Fprint(p.out, s.Turn.Response[p.printed:])
		p.printed = len(s.Turn.Response)
	}
	if s.Err != nil && s.Err != p.lastErr {
		fmt.Fprintf(p.out, "\nerror: %v\n", s.Err)
	}
	p.lastErr = s.Err
}

// syncWriter serializes writes from the input loop and from running turns.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// runHeadless reads prompts and commands line by line from in and prints
// responses to out. Prompts run in the background so commands such as /mute
// are handled while a reply streams or plays. It returns when in is
// exhausted, /quit is read or ctx is cancelled, after the running turn ends.
func runHeadless(ctx context.Context, a *app.App, in io.Reader, out io.Writer) error {
	out = &syncWriter{w: out}
	sess := a.Session()
	printer := &streamPrinter{out: out}
	unsubscribe := sess.Observe(printer.observe)
	defer unsubscribe()

	var turns sync.WaitGroup
	defer turns.Wait()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "voxa ready. type /help for commands.")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, a, line, out, &turns); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, a *app.App, line string, out io.Writer, turns *sync.WaitGroup) (quit bool) {
	sess := a.Session()
	line = strings.TrimSpace(line)
	cmd, arg, _ := strings.Cut(line, " ")

	switch cmd {
	case "":
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, headlessHelp)
	case "/listen":
		if !a.CaptureSupported() {
			fmt.Fprintln(out, "speech capture is not available")
			return false
		}
		sess.StartCapture(ctx)
	case "/stop":
		sess.StopCapture()
	case "/mute":
		sess.CancelSpeech()
	case "/autospeak":
		fmt.Fprintf(out, "auto-speak: %t\n", sess.ToggleAutoSpeak())
	case "/voices":
		current := sess.Snapshot().VoiceID
		for _, v := range a.Voices() {
			mark := " "
			if v.ID == current {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %-24s %-8s %s\n", mark, v.ID, v.Lang, v.Name)
		}
	case "/voice":
		v, ok := voice.Find(a.Voices(), arg)
		if !ok {
			fmt.Fprintf(out, "no voice matches %q\n", arg)
			return false
		}
		sess.SelectVoice(v.ID)
		fmt.Fprintf(out, "voice: %s\n", v.Name)
	case "/history":
		entries, err := a.History().Recent(ctx, historyShown)
		printEntries(out, entries, err)
	case "/search":
		entries, err := a.History().Search(ctx, arg, historyShown)
		printEntries(out, entries, err)
	default:
		if sess.Snapshot().Busy() {
			fmt.Fprintln(out, busyMsg)
			return false
		}
		turns.Go(func() {
			if !sess.Submit(ctx, line) {
				fmt.Fprintln(out, busyMsg)
				return
			}
			fmt.Fprintln(out)
		})
	}
	return false
}
