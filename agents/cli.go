package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	avatar "github.com/bt-bridge/streaming-avatar"
	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Alternate screen buffer: the closest a terminal gets to fullscreen.
const (
	enterAltScreen = "\x1b[?1049h\x1b[H\x1b[2J"
	leaveAltScreen = "\x1b[?1049l"
)

// TerminalFullscreen switches the terminal to its alternate screen.
type TerminalFullscreen struct {
	printer *shared.Printer

	mu     sync.Mutex
	active bool
}

var _ avatar.Fullscreener = (*TerminalFullscreen)(nil)

func NewTerminalFullscreen(printer *shared.Printer) *TerminalFullscreen {
	return &TerminalFullscreen{printer: printer}
}

func (f *TerminalFullscreen) RequestFullscreen(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.active {
		return nil
	}
	if err := f.printer.Raw(enterAltScreen); err != nil {
		return fmt.Errorf("entering alternate screen: %w", err)
	}
	f.active = true
	return nil
}

func (f *TerminalFullscreen) Exit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return nil
	}
	f.active = false
	return f.printer.Raw(leaveAltScreen)
}

// CLIAgent is the terminal front-end. It renders the session as views and
// turns typed lines into session operations. It owns no session state: every
// render is a projection of the latest snapshot.
type CLIAgent struct {
	logger     shared.LoggerAdapter
	printer    *shared.Printer
	session    *avatar.Session
	fullscreen avatar.Fullscreener
	req        *avatar.StartRequest
	echoEvents bool

	// connects outlive the command that started them so the input loop
	// stays free for "stop"
	ctx      context.Context
	cancel   context.CancelFunc
	starting sync.WaitGroup

	mu       sync.Mutex
	last     avatar.View
	lastSeq  uint64
	rendered bool
	policy   avatar.FullscreenPolicy
	timer    *time.Timer
	done     chan struct{}
	closed   bool
}

type CLIOptions struct {
	// EchoEvents prints the transcript as YAML on every change.
	EchoEvents bool
}

func NewCLIAgent(
	logger shared.LoggerAdapter,
	session *avatar.Session,
	req *avatar.StartRequest,
	printer *shared.Printer,
	fullscreen avatar.Fullscreener,
	opts CLIOptions,
) (*CLIAgent, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if req == nil {
		return nil, shared.ErrNoConfig
	}
	if session == nil || printer == nil || fullscreen == nil {
		return nil, errors.New("session, printer and fullscreen are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &CLIAgent{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(zap.String("component", "cli")),
		printer:    printer,
		session:    session,
		fullscreen: fullscreen,
		req:        req,
		echoEvents: opts.EchoEvents,
		done:       make(chan struct{}),
	}
	session.OnChange(a.onChange)
	return a, nil
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Run renders the welcome view and processes commands from in until it is
// exhausted, "quit" is typed or ctx ends.
func (a *CLIAgent) Run(ctx context.Context, in io.Reader) error {
	defer a.finish()
	snap := a.session.Snapshot()
	a.mu.Lock()
	a.lastSeq = snap.Seq
	a.renderLocked(avatar.Project(snap), true)
	a.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.Execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// Execute runs one typed line. It reports whether the shell should exit.
func (a *CLIAgent) Execute(ctx context.Context, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	var err error
	switch strings.ToLower(cmd) {
	case "":
		return false
	case "quit", "exit":
		return true
	case "start":
		a.requestFullscreen(ctx)
		a.startInBackground(arg != "text")
	case "stop", "end":
		err = a.session.Stop(ctx)
	case "voice":
		err = a.session.SetMode(ctx, avatar.ChatModeVoice)
	case "text":
		err = a.session.SetMode(ctx, avatar.ChatModeText)
	case "mute":
		a.session.Mute()
	case "unmute":
		a.session.Unmute()
	case "interrupt":
		err = a.session.Interrupt(ctx)
	case "fullscreen":
		a.requestFullscreen(ctx)
	case "config":
		err = a.printConfig()
	case "say":
		err = a.say(ctx, arg)
	default:
		// Anything else is a chat message when typing is possible.
		if a.session.Snapshot().State == avatar.SessionStateConnected {
			err = a.say(ctx, line)
		} else {
			a.writeln("Unknown command. Try: start, start text, stop, voice, text, mute, unmute, interrupt, fullscreen, config, say <text>, quit", 0)
		}
	}
	if err != nil {
		a.logger.Error("command failed", err, zap.String("command", cmd))
		a.writeln("❌ "+err.Error(), 1)
	}
	return false
}

func (a *CLIAgent) startInBackground(voice bool) {
	a.starting.Add(1)
	go func() {
		defer a.starting.Done()
		a.StartSession(a.ctx, voice)
	}()
}

// StartSession connects the session and blocks until the vendor accepted
// it; with voice set, voice chat follows once the stream is live. Failures
// leave the shell on the idle view.
func (a *CLIAgent) StartSession(ctx context.Context, voice bool) {
	if err := a.session.Start(ctx, a.req); err != nil {
		a.logger.Error("starting avatar session", err)
		return
	}
	if !voice {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-a.session.Connected():
	}
	if a.session.State() != avatar.SessionStateConnected {
		return
	}
	if err := a.session.StartVoiceChat(ctx); err != nil {
		a.logger.Error("starting voice chat", err)
	}
}

// say brackets the message with listening cues, like a text field going from
// empty to filled and back to empty on send.
func (a *CLIAgent) say(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := a.session.StartListening(ctx); err != nil {
		a.logger.Warn("start listening", zap.Error(err))
	}
	err := a.session.SendMessage(ctx, text)
	if lerr := a.session.StopListening(ctx); lerr != nil {
		a.logger.Warn("stop listening", zap.Error(lerr))
	}
	return err
}

func (a *CLIAgent) requestFullscreen(ctx context.Context) {
	if err := a.fullscreen.RequestFullscreen(ctx); err != nil {
		a.logger.Warn("fullscreen request was denied", zap.Error(err))
	}
}

func (a *CLIAgent) printConfig() error {
	yamlBytes, err := yaml.Marshal(a.req)
	if err != nil {
		return fmt.Errorf("marshaling session config to yaml: %w", err)
	}
	a.writeln("📋 Session Config", 0)
	a.writeln(strings.TrimRight(string(yamlBytes), "\n"), 1)
	return nil
}

func (a *CLIAgent) onChange(snap avatar.Snapshot) {
	a.mu.Lock()
	if a.closed || snap.Seq <= a.lastSeq {
		// closed, or overtaken by a newer transition
		a.mu.Unlock()
		return
	}
	a.lastSeq = snap.Seq
	if a.policy.Observe(snap.State) {
		if a.timer != nil {
			a.timer.Stop()
		}
		a.timer = time.AfterFunc(avatar.AutoFullscreenDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			a.requestFullscreen(ctx)
		})
	}
	a.renderLocked(avatar.Project(snap), false)
	a.mu.Unlock()
}

// renderLocked prints the parts of v that changed since the last render.
// Holding mu keeps renders in snapshot order.
func (a *CLIAgent) renderLocked(v avatar.View, force bool) {
	prev, had := a.last, a.rendered
	a.last, a.rendered = v, true

	if force || !had || prev.Phase != v.Phase {
		switch v.Phase {
		case avatar.PhaseIdle:
			a.writeln("\n👋 Welcome! Type \"start\" to talk to me (\"start text\" to type instead).\n", 0)
		case avatar.PhaseConnecting:
			a.writeln("⏳ Connecting... Initializing AI Avatar, please wait a moment.", 0)
		case avatar.PhaseLive:
			a.writeln("🟢 Live. Commands: voice, text, mute, unmute, interrupt, fullscreen, stop.", 0)
		}
	}
	if v.Phase != avatar.PhaseLive {
		return
	}
	if prev.ShowMicrophone != v.ShowMicrophone || prev.MicLoading != v.MicLoading || prev.MicMuted != v.MicMuted {
		switch {
		case v.MicLoading:
			a.writeln("🎤 ...", 1)
		case v.ShowMicrophone && v.MicMuted:
			a.writeln("🔇 Microphone muted", 1)
		case v.ShowMicrophone:
			a.writeln("🎤 Listening", 1)
		default:
			a.writeln("💬 Type your message here...", 1)
		}
	}
	if v.UserTalking && !prev.UserTalking {
		a.writeln("🗣️  (you are talking)", 1)
	}
	if v.Subtitle != "" && v.Subtitle != prev.Subtitle {
		a.writeln("🤖 "+v.Subtitle, 1)
	}
	if a.echoEvents && len(v.Messages) != len(prev.Messages) {
		if out, err := yaml.Marshal(v.Messages); err == nil {
			a.writeln(strings.TrimRight(string(out), "\n"), 2)
		}
	}
}

func (a *CLIAgent) writeln(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) finish() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	close(a.done)
}

// Close ends the session, like the page unmounting, and waits for a
// pending connect to give up.
func (a *CLIAgent) Close() error {
	a.cancel()
	err := a.session.Close()
	a.starting.Wait()
	if exiter, ok := a.fullscreen.(interface{ Exit() error }); ok {
		if xerr := exiter.Exit(); xerr != nil {
			a.logger.Warn("leaving fullscreen", zap.Error(xerr))
		}
	}
	a.finish()
	return err
}
