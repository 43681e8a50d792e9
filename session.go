package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/streaming-avatar/shared"
	"go.uber.org/zap"
)

type SessionState int

const (
	SessionStateInactive SessionState = iota
	SessionStateConnecting
	SessionStateConnected
)

func (s SessionState) String() string {
	switch s {
	case SessionStateInactive:
		return "INACTIVE"
	case SessionStateConnecting:
		return "CONNECTING"
	case SessionStateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Stream is the handle to the vendor media stream of a live session.
type Stream struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	AccessToken      string `json:"access_token"`
	RealtimeEndpoint string `json:"realtime_endpoint,omitempty"`
}

// Avatar is one vendor streaming session. Client is the production
// implementation.
type Avatar interface {
	On(handler EventHandler) error
	Start(ctx context.Context, req *StartRequest) error
	Stop(ctx context.Context) error
	Speak(ctx context.Context, req SpeakRequest) error
	Interrupt(ctx context.Context) error
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	StartVoiceChat(ctx context.Context, muted bool) error
	CloseVoiceChat() error
	MuteInputAudio()
	UnmuteInputAudio()
}

// AvatarFactory builds an Avatar for a freshly fetched access token.
type AvatarFactory func(ctx context.Context, token string) (Avatar, error)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Recorder receives the transcript when a session ends.
type Recorder interface {
	Save(ctx context.Context, messages []Message) error
}

// Snapshot is an immutable copy of the session state handed to readers.
type Snapshot struct {
	// Seq grows with every transition. Listeners run outside the lock and
	// may see snapshots out of order; the higher Seq is the newer one.
	Seq      uint64
	State    SessionState
	Stream   *Stream
	Voice    VoiceChatState
	Turn     TurnState
	Mode     ChatMode
	Quality  ConnectionQuality
	Messages []Message
	Subtitle string
}

type ChangeHandler func(Snapshot)

const releaseTimeout = 10 * time.Second

// Session is the avatar session state machine. Every mutation happens under
// mu, either in a public operation or in handle, the single entry point for
// vendor events. Blocking vendor calls run outside the lock and check the
// generation before applying their result, so a late callback from a torn
// down attempt never resurrects it.
type Session struct {
	logger   shared.LoggerAdapter
	tokens   TokenSource
	factory  AvatarFactory
	recorder Recorder

	mu        sync.Mutex
	seq       uint64
	state     SessionState
	gen       uint64
	avatar    Avatar
	stream    *Stream
	voice     VoiceChatState
	turn      TurnState
	mode      ChatMode
	quality   ConnectionQuality
	history   *History
	connected chan struct{}
	listeners []ChangeHandler
}

// NewSession wires the state machine. recorder may be nil, in which case
// transcripts are kept in memory only.
func NewSession(logger shared.LoggerAdapter, tokens TokenSource, factory AvatarFactory, recorder Recorder) (*Session, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if tokens == nil {
		return nil, shared.ErrNoTokenSource
	}
	if factory == nil {
		return nil, shared.ErrNoAvatarFactory
	}
	connected := make(chan struct{})
	close(connected)
	return &Session{
		logger:    logger.With(zap.String("component", "session")),
		tokens:    tokens,
		factory:   factory,
		recorder:  recorder,
		history:   NewHistory(),
		mode:      ChatModeText,
		quality:   ConnectionQualityUnknown,
		connected: connected,
	}, nil
}

// OnChange registers fn to receive a snapshot after every transition.
func (s *Session) OnChange(fn ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Connected is closed once the current start attempt reaches CONNECTED or is
// torn down. Check State afterwards to tell the two apart.
func (s *Session) Connected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Seq:      s.seq,
		State:    s.state,
		Stream:   s.stream,
		Voice:    s.voice,
		Turn:     s.turn,
		Mode:     s.mode,
		Quality:  s.quality,
		Messages: s.history.Messages(),
		Subtitle: s.history.Subtitle(),
	}
}

// unlockAndNotify releases mu and fans the post-transition snapshot out to
// the listeners.
func (s *Session) unlockAndNotify() {
	s.seq++
	snap := s.snapshotLocked()
	listeners := append([]ChangeHandler(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Start opens a new vendor session. It returns once the vendor accepted the
// start request; the CONNECTED transition follows with the stream_ready event.
func (s *Session) Start(ctx context.Context, req *StartRequest) error {
	if req == nil {
		return shared.ErrNoConfig
	}
	s.mu.Lock()
	if s.state != SessionStateInactive {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("start ignored, session already running", zap.Stringer("state", state))
		return shared.ErrSessionAlreadyRunning
	}
	s.gen++
	gen := s.gen
	s.state = SessionStateConnecting
	s.connected = make(chan struct{})
	s.history.Reset()
	s.voice = VoiceChatState{}
	s.turn = TurnState{}
	s.quality = ConnectionQualityUnknown
	s.logger.Info("session connecting", zap.Uint64("gen", gen))
	s.unlockAndNotify()

	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.abort(gen)
		s.logger.Error("fetching access token", err)
		return fmt.Errorf("%w: %w", shared.ErrTokenFetch, err)
	}
	if s.superseded(gen) {
		s.logger.Info("session stopped while fetching token", zap.Uint64("gen", gen))
		return shared.ErrSessionAborted
	}

	av, err := s.factory(ctx, token)
	if err != nil {
		s.abort(gen)
		s.logger.Error("creating avatar", err)
		return fmt.Errorf("%w: %w", shared.ErrSdkInit, err)
	}
	if err := av.On(func(ev *Event) { s.handle(gen, ev) }); err != nil {
		s.abort(gen)
		s.logger.Error("registering event handler", err)
		s.release(av, nil)
		return fmt.Errorf("%w: %w", shared.ErrSdkInit, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Info("session stopped while connecting", zap.Uint64("gen", gen))
		s.release(av, nil)
		return shared.ErrSessionAborted
	}
	// Published before Start so a concurrent Stop can tear it down.
	s.avatar = av
	s.mu.Unlock()

	if err := av.Start(ctx, req); err != nil {
		if !s.abort(gen) {
			return shared.ErrSessionAborted
		}
		s.logger.Error("starting avatar", err, zap.String("avatar_name", req.AvatarName))
		s.release(av, nil)
		return fmt.Errorf("%w: %w", shared.ErrSdkStart, err)
	}

	if s.superseded(gen) {
		// Stop ran while the vendor was still starting; make sure the vendor
		// side is closed too.
		s.release(av, nil)
		return shared.ErrSessionAborted
	}
	s.logger.Info("avatar started", zap.Uint64("gen", gen), zap.String("avatar_name", req.AvatarName))
	return nil
}

func (s *Session) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// abort returns a failed attempt to INACTIVE. It reports false when the
// attempt was already superseded.
func (s *Session) abort(gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.teardownLocked()
	s.unlockAndNotify()
	return true
}

// Stop tears the session down from any state. It is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionStateInactive && s.avatar == nil {
		s.mu.Unlock()
		return nil
	}
	av, msgs := s.teardownLocked()
	s.logger.Info("session stopped")
	s.unlockAndNotify()
	return s.releaseCtx(ctx, av, msgs)
}

// teardownLocked moves to INACTIVE and bumps the generation so that anything
// still in flight for the old attempt is dropped. The caller releases the
// returned avatar outside the lock.
func (s *Session) teardownLocked() (Avatar, []Message) {
	av := s.avatar
	s.gen++
	s.state = SessionStateInactive
	s.avatar = nil
	s.stream = nil
	s.voice = VoiceChatState{}
	s.turn = TurnState{}
	s.mode = ChatModeText
	select {
	case <-s.connected:
	default:
		close(s.connected)
	}
	return av, s.history.Unflushed()
}

func (s *Session) release(av Avatar, msgs []Message) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.releaseCtx(ctx, av, msgs); err != nil {
		s.logger.Error("releasing avatar", err)
	}
}

func (s *Session) releaseCtx(ctx context.Context, av Avatar, msgs []Message) error {
	var err error
	if av != nil {
		if err = av.Stop(ctx); err != nil {
			s.logger.Error("stopping avatar", err)
			err = fmt.Errorf("stopping avatar: %w", err)
		}
	}
	if s.recorder != nil && len(msgs) > 0 {
		if rerr := s.recorder.Save(ctx, msgs); rerr != nil {
			// The transcript is best effort, the session is gone either way.
			s.logger.Error("saving conversation", rerr, zap.Int("messages", len(msgs)))
		} else {
			s.logger.Info("conversation saved", zap.Int("messages", len(msgs)))
		}
	}
	return err
}

// handle is the only place vendor events touch the state.
func (s *Session) handle(gen uint64, ev *Event) {
	if ev == nil {
		return
	}
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("dropping stale event", zap.String("type", string(ev.Type)), zap.Uint64("gen", gen))
		return
	}
	s.logger.Trace("handling event", zap.String("type", string(ev.Type)), zap.String("event_id", ev.EventId))

	if s.turn.apply(ev.Type) {
		s.unlockAndNotify()
		return
	}
	switch ev.Type {
	case EventTypeStreamReady:
		p, ok := ev.Param.(*EventParamStreamReady)
		if !ok || p.Stream == nil {
			s.mu.Unlock()
			s.logger.Warn("stream_ready without stream")
			return
		}
		if s.state != SessionStateConnecting {
			state := s.state
			s.mu.Unlock()
			s.logger.Warn("stream_ready outside of connecting", zap.Stringer("state", state))
			return
		}
		s.state = SessionStateConnected
		s.stream = p.Stream
		close(s.connected)
		s.logger.Info("session connected", zap.String("session_id", p.Stream.SessionID))
	case EventTypeStreamDisconnected:
		av, msgs := s.teardownLocked()
		s.logger.Warn("stream disconnected")
		s.unlockAndNotify()
		s.release(av, msgs)
		return
	case EventTypeUserTalkingMessage, EventTypeAvatarTalkingMessage:
		p, ok := ev.Param.(*EventParamTalkingMessage)
		if !ok {
			s.mu.Unlock()
			return
		}
		s.history.AppendOrUpdate(senderOf(ev.Type), p.Message, false)
	case EventTypeUserEndMessage, EventTypeAvatarEndMessage:
		if !s.history.Seal(senderOf(ev.Type)) {
			s.mu.Unlock()
			return
		}
	case EventTypeConnectionQualityChanged:
		if p, ok := ev.Param.(*EventParamConnectionQuality); ok {
			s.quality = p.Quality
		}
	default:
		s.mu.Unlock()
		return
	}
	s.unlockAndNotify()
}

func senderOf(t EventType) MessageSender {
	switch t {
	case EventTypeUserTalkingMessage, EventTypeUserEndMessage:
		return MessageSenderUser
	default:
		return MessageSenderAvatar
	}
}

// live returns the avatar and generation of a CONNECTED session.
func (s *Session) liveLocked() (Avatar, uint64, error) {
	if s.state != SessionStateConnected || s.avatar == nil {
		return nil, 0, shared.ErrNotConnected
	}
	return s.avatar, s.gen, nil
}

// SendMessage records text as a user message and asks the avatar to answer it.
// Blank text is ignored.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	text = trimMessage(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	av, _, err := s.liveLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.history.AppendOrUpdate(MessageSenderUser, text, true)
	s.unlockAndNotify()

	if err := av.Speak(ctx, SpeakRequest{Text: text, TaskType: TaskTypeTalk, TaskMode: TaskModeAsync}); err != nil {
		s.logger.Error("sending message", err)
		return fmt.Errorf("speaking: %w", err)
	}
	return nil
}

func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	av, _, err := s.liveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := av.Interrupt(ctx); err != nil {
		s.logger.Error("interrupting avatar", err)
		return fmt.Errorf("interrupting: %w", err)
	}
	return nil
}

// StartListening tells the avatar the user is composing a message.
func (s *Session) StartListening(ctx context.Context) error {
	return s.setListening(ctx, true)
}

func (s *Session) StopListening(ctx context.Context) error {
	return s.setListening(ctx, false)
}

func (s *Session) setListening(ctx context.Context, on bool) error {
	s.mu.Lock()
	av, gen, err := s.liveLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if on {
		err = av.StartListening(ctx)
	} else {
		err = av.StopListening(ctx)
	}
	if err != nil {
		s.logger.Error("toggling listening", err, zap.Bool("listening", on))
		return fmt.Errorf("toggling listening: %w", err)
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.turn.AvatarListening = on
	s.unlockAndNotify()
	return nil
}

// Close stops the session, ignoring the vendor error. Mirrors unmounting the
// front-end.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("closing session", err)
	}
	return nil
}
