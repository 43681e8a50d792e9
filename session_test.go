package avatar

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAvatar struct {
	mu        sync.Mutex
	handler   EventHandler
	startErr  error
	onStart   func()
	voiceErr  error
	closeErr  error
	calls     []string
	speaks    []SpeakRequest
	stopCount int
	muted     bool
}

var _ Avatar = (*fakeAvatar)(nil)

func (f *fakeAvatar) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAvatar) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAvatar) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCount
}

func (f *fakeAvatar) On(handler EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeAvatar) Start(ctx context.Context, req *StartRequest) error {
	f.record("start")
	if f.onStart != nil {
		f.onStart()
	}
	return f.startErr
}

func (f *fakeAvatar) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCount++
	f.calls = append(f.calls, "stop")
	return nil
}

func (f *fakeAvatar) Speak(ctx context.Context, req SpeakRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speaks = append(f.speaks, req)
	f.calls = append(f.calls, "speak")
	return nil
}

func (f *fakeAvatar) Interrupt(ctx context.Context) error {
	f.record("interrupt")
	return nil
}

func (f *fakeAvatar) StartListening(ctx context.Context) error {
	f.record("start_listening")
	return nil
}

func (f *fakeAvatar) StopListening(ctx context.Context) error {
	f.record("stop_listening")
	return nil
}

func (f *fakeAvatar) StartVoiceChat(ctx context.Context, muted bool) error {
	f.record("start_voice_chat")
	return f.voiceErr
}

func (f *fakeAvatar) CloseVoiceChat() error {
	f.record("close_voice_chat")
	return f.closeErr
}

func (f *fakeAvatar) MuteInputAudio() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = true
	f.calls = append(f.calls, "mute")
}

func (f *fakeAvatar) UnmuteInputAudio() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = false
	f.calls = append(f.calls, "unmute")
}

// emit delivers ev the way the client's read loop would.
func (f *fakeAvatar) emit(ev *Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeAvatar) emitReady(sessionID string) {
	f.emit(&Event{Type: EventTypeStreamReady, Param: &EventParamStreamReady{Stream: &Stream{SessionID: sessionID}}})
}

func (f *fakeAvatar) emitTalking(typ EventType, msg string) {
	f.emit(&Event{Type: typ, Param: &EventParamTalkingMessage{Message: msg}})
}

type fakeTokens struct {
	token   string
	err     error
	calls   int
	onToken func()
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.calls++
	if f.onToken != nil {
		f.onToken()
	}
	return f.token, f.err
}

type fakeRecorder struct {
	mu    sync.Mutex
	saved [][]Message
	err   error
}

func (f *fakeRecorder) Save(ctx context.Context, messages []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, messages)
	return f.err
}

func (f *fakeRecorder) Saved() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]Message(nil), f.saved...)
}

type sessionFixture struct {
	session  *Session
	tokens   *fakeTokens
	recorder *fakeRecorder
	avatars  []*fakeAvatar
	// next is handed out by the factory; a fresh one is made when nil
	next       *fakeAvatar
	factoryErr error
	onBuild    func()
	states     []SessionState
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	fx := &sessionFixture{
		tokens:   &fakeTokens{token: "tok"},
		recorder: &fakeRecorder{},
	}
	factory := func(ctx context.Context, token string) (Avatar, error) {
		if fx.factoryErr != nil {
			return nil, fx.factoryErr
		}
		av := fx.next
		if av == nil {
			av = &fakeAvatar{}
		}
		fx.next = nil
		fx.avatars = append(fx.avatars, av)
		if fx.onBuild != nil {
			fx.onBuild()
		}
		return av, nil
	}
	s, err := NewSession(shared.NewNopLogger(), fx.tokens, factory, fx.recorder)
	require.NoError(t, err)
	s.OnChange(func(snap Snapshot) {
		fx.states = append(fx.states, snap.State)
	})
	fx.session = s
	return fx
}

func (fx *sessionFixture) avatar() *fakeAvatar {
	return fx.avatars[len(fx.avatars)-1]
}

// connect runs a full start and delivers stream_ready.
func (fx *sessionFixture) connect(t *testing.T) *fakeAvatar {
	t.Helper()
	require.NoError(t, fx.session.Start(context.Background(), DefaultStartRequest()))
	av := fx.avatar()
	av.emitReady("s1")
	require.Equal(t, SessionStateConnected, fx.session.State())
	return av
}

func TestNewSessionValidatesDependencies(t *testing.T) {
	factory := func(ctx context.Context, token string) (Avatar, error) { return nil, nil }
	_, err := NewSession(nil, &fakeTokens{}, factory, nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewSession(shared.NewNopLogger(), nil, factory, nil)
	assert.ErrorIs(t, err, shared.ErrNoTokenSource)
	_, err = NewSession(shared.NewNopLogger(), &fakeTokens{}, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoAvatarFactory)
}

func TestSessionStartReachesConnected(t *testing.T) {
	fx := newSessionFixture(t)
	s := fx.session
	assert.Equal(t, SessionStateInactive, s.State())

	require.NoError(t, s.Start(context.Background(), DefaultStartRequest()))
	assert.Equal(t, SessionStateConnecting, s.State())
	connected := s.Connected()
	select {
	case <-connected:
		t.Fatal("connected closed before stream_ready")
	default:
	}

	fx.avatar().emitReady("s1")
	assert.Equal(t, SessionStateConnected, s.State())
	<-connected
	snap := s.Snapshot()
	require.NotNil(t, snap.Stream)
	assert.Equal(t, "s1", snap.Stream.SessionID)
	assert.Equal(t, ChatModeText, snap.Mode)
	assert.Equal(t, []SessionState{SessionStateConnecting, SessionStateConnected}, fx.states)
	assert.Equal(t, []string{"start"}, fx.avatar().Calls())
}

func TestSessionStartRequiresConfig(t *testing.T) {
	fx := newSessionFixture(t)
	assert.ErrorIs(t, fx.session.Start(context.Background(), nil), shared.ErrNoConfig)
	assert.Equal(t, SessionStateInactive, fx.session.State())
}

func TestSessionStartTokenFailure(t *testing.T) {
	fx := newSessionFixture(t)
	fx.tokens.err = errors.New("backend down")

	err := fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrTokenFetch)
	assert.Equal(t, SessionStateInactive, fx.session.State())
	assert.Empty(t, fx.avatars, "no avatar is created without a token")
	assert.Equal(t, []SessionState{SessionStateConnecting, SessionStateInactive}, fx.states)
}

func TestSessionStartFactoryFailure(t *testing.T) {
	fx := newSessionFixture(t)
	fx.factoryErr = errors.New("bad token")

	err := fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrSdkInit)
	assert.Equal(t, SessionStateInactive, fx.session.State())
}

func TestSessionStartAvatarFailure(t *testing.T) {
	fx := newSessionFixture(t)
	fx.next = &fakeAvatar{startErr: errors.New("quota exceeded")}

	err := fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrSdkStart)
	assert.Equal(t, SessionStateInactive, fx.session.State())
	assert.Equal(t, 1, fx.avatar().Stops(), "a failed start is released")

	// a fresh attempt is allowed afterwards
	fx.connect(t)
}

func TestSessionStartWhileRunning(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.session.Start(context.Background(), DefaultStartRequest()))

	err := fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyRunning)
	assert.Len(t, fx.avatars, 1)
	assert.Equal(t, 1, fx.tokens.calls)

	fx.avatar().emitReady("s1")
	err = fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyRunning)
}

func TestSessionStopWhileAvatarStarting(t *testing.T) {
	fx := newSessionFixture(t)
	av := &fakeAvatar{}
	av.onStart = func() {
		require.NoError(t, fx.session.Stop(context.Background()))
	}
	fx.next = av

	err := fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrSessionAborted)
	assert.Equal(t, SessionStateInactive, fx.session.State())
	assert.GreaterOrEqual(t, av.Stops(), 1)

	// the vendor finishing its start afterwards changes nothing
	av.emitReady("late")
	assert.Equal(t, SessionStateInactive, fx.session.State())
	assert.Nil(t, fx.session.Snapshot().Stream)
}

func TestSessionStaleStreamReadyIsIgnored(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.session.Start(context.Background(), DefaultStartRequest()))
	old := fx.avatar()
	require.NoError(t, fx.session.Stop(context.Background()))
	assert.Equal(t, SessionStateInactive, fx.session.State())

	old.emitReady("stale")
	assert.Equal(t, SessionStateInactive, fx.session.State())

	// nor does it leak into the next attempt
	require.NoError(t, fx.session.Start(context.Background(), DefaultStartRequest()))
	old.emitReady("stale")
	assert.Equal(t, SessionStateConnecting, fx.session.State())
	fx.avatar().emitReady("fresh")
	assert.Equal(t, "fresh", fx.session.Snapshot().Stream.SessionID)
}

func TestSessionStopFromEveryState(t *testing.T) {
	t.Run("inactive", func(t *testing.T) {
		fx := newSessionFixture(t)
		require.NoError(t, fx.session.Stop(context.Background()))
		assert.Empty(t, fx.states, "stopping an idle session is silent")
	})
	t.Run("connecting", func(t *testing.T) {
		fx := newSessionFixture(t)
		require.NoError(t, fx.session.Start(context.Background(), DefaultStartRequest()))
		connected := fx.session.Connected()
		require.NoError(t, fx.session.Stop(context.Background()))
		assert.Equal(t, SessionStateInactive, fx.session.State())
		assert.Equal(t, 1, fx.avatar().Stops())
		<-connected
	})
	t.Run("connected", func(t *testing.T) {
		fx := newSessionFixture(t)
		av := fx.connect(t)
		require.NoError(t, fx.session.Stop(context.Background()))
		require.NoError(t, fx.session.Stop(context.Background()))
		assert.Equal(t, SessionStateInactive, fx.session.State())
		assert.Equal(t, 1, av.Stops())
		snap := fx.session.Snapshot()
		assert.Nil(t, snap.Stream)
		assert.Equal(t, VoiceChatState{}, snap.Voice)
		assert.Equal(t, TurnState{}, snap.Turn)
	})
}

func TestSessionDisconnect(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)
	av.emitTalking(EventTypeAvatarTalkingMessage, "Hello")
	av.emit(&Event{Type: EventTypeAvatarEndMessage, Param: &EventParamTask{}})

	av.emit(&Event{Type: EventTypeStreamDisconnected, Param: &EventParamEmpty{}})
	assert.Equal(t, SessionStateInactive, fx.session.State())
	assert.Equal(t, 1, av.Stops())
	saved := fx.recorder.Saved()
	require.Len(t, saved, 1)
	require.Len(t, saved[0], 1)
	assert.Equal(t, "Hello", saved[0][0].Content)

	// the transcript outlives the session until the next start
	assert.Len(t, fx.session.Snapshot().Messages, 1)
	fx.connect(t)
	assert.Empty(t, fx.session.Snapshot().Messages)
}

func TestSessionRecordsTranscriptOnce(t *testing.T) {
	fx := newSessionFixture(t)
	fx.recorder.err = errors.New("disk full")
	fx.connect(t)
	require.NoError(t, fx.session.SendMessage(context.Background(), "hi"))

	require.NoError(t, fx.session.Stop(context.Background()), "recorder failures are only logged")
	require.NoError(t, fx.session.Stop(context.Background()))
	assert.Len(t, fx.recorder.Saved(), 1)
}

func TestSessionNoRecordingForEmptyTranscript(t *testing.T) {
	fx := newSessionFixture(t)
	fx.connect(t)
	require.NoError(t, fx.session.Stop(context.Background()))
	assert.Empty(t, fx.recorder.Saved())
}

func TestSessionStreamingMessages(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)

	av.emit(&Event{Type: EventTypeUserStart, Param: &EventParamEmpty{}})
	assert.True(t, fx.session.Snapshot().Turn.UserTalking)
	av.emitTalking(EventTypeUserTalkingMessage, "What is")
	av.emitTalking(EventTypeUserTalkingMessage, "What is the weather")
	av.emit(&Event{Type: EventTypeUserStop, Param: &EventParamEmpty{}})
	av.emit(&Event{Type: EventTypeUserEndMessage, Param: &EventParamTask{}})

	av.emit(&Event{Type: EventTypeAvatarStartTalking, Param: &EventParamTask{}})
	av.emitTalking(EventTypeAvatarTalkingMessage, "Sunny")
	av.emitTalking(EventTypeAvatarTalkingMessage, "Sunny all day")
	snap := fx.session.Snapshot()
	assert.True(t, snap.Turn.AvatarTalking)
	assert.False(t, snap.Turn.UserTalking)
	assert.Equal(t, "Sunny all day", snap.Subtitle)

	av.emit(&Event{Type: EventTypeAvatarStopTalking, Param: &EventParamTask{}})
	av.emit(&Event{Type: EventTypeAvatarEndMessage, Param: &EventParamTask{}})
	av.emitTalking(EventTypeAvatarTalkingMessage, "Anything else?")

	msgs := fx.session.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, MessageSenderUser, msgs[0].Sender)
	assert.Equal(t, "What is the weather", msgs[0].Content)
	assert.True(t, msgs[0].Sealed)
	assert.Equal(t, "Sunny all day", msgs[1].Content)
	assert.True(t, msgs[1].Sealed)
	assert.Equal(t, "Anything else?", msgs[2].Content)
	assert.False(t, msgs[2].Sealed)
}

func TestSessionConnectionQuality(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)
	assert.Equal(t, ConnectionQualityUnknown, fx.session.Snapshot().Quality)
	av.emit(&Event{Type: EventTypeConnectionQualityChanged, Param: &EventParamConnectionQuality{Quality: ConnectionQualityBad}})
	assert.Equal(t, ConnectionQualityBad, fx.session.Snapshot().Quality)
}

func TestSessionSendMessage(t *testing.T) {
	fx := newSessionFixture(t)
	assert.ErrorIs(t, fx.session.SendMessage(context.Background(), "hi"), shared.ErrNotConnected)

	av := fx.connect(t)
	require.NoError(t, fx.session.SendMessage(context.Background(), "   "))
	assert.Empty(t, av.speaks, "blank messages are dropped")

	require.NoError(t, fx.session.SendMessage(context.Background(), "  hello avatar \n"))
	require.Len(t, av.speaks, 1)
	assert.Equal(t, SpeakRequest{Text: "hello avatar", TaskType: TaskTypeTalk, TaskMode: TaskModeAsync}, av.speaks[0])

	msgs := fx.session.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageSenderUser, msgs[0].Sender)
	assert.Equal(t, "hello avatar", msgs[0].Content)
	assert.True(t, msgs[0].Sealed)
}

func TestSessionListeningAndInterrupt(t *testing.T) {
	fx := newSessionFixture(t)
	assert.ErrorIs(t, fx.session.Interrupt(context.Background()), shared.ErrNotConnected)
	assert.ErrorIs(t, fx.session.StartListening(context.Background()), shared.ErrNotConnected)

	av := fx.connect(t)
	require.NoError(t, fx.session.StartListening(context.Background()))
	assert.True(t, fx.session.Snapshot().Turn.AvatarListening)
	require.NoError(t, fx.session.StopListening(context.Background()))
	assert.False(t, fx.session.Snapshot().Turn.AvatarListening)
	require.NoError(t, fx.session.Interrupt(context.Background()))
	assert.Equal(t, []string{"start", "start_listening", "stop_listening", "interrupt"}, av.Calls())
}

func TestSessionClose(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)
	require.NoError(t, fx.session.Close())
	assert.Equal(t, SessionStateInactive, fx.session.State())
	assert.Equal(t, 1, av.Stops())
}

func TestSessionStopWhileFetchingToken(t *testing.T) {
	fx := newSessionFixture(t)
	fx.tokens.onToken = func() {
		require.NoError(t, fx.session.Stop(context.Background()))
	}

	err := fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrSessionAborted)
	assert.Equal(t, SessionStateInactive, fx.session.State())
	assert.Empty(t, fx.avatars, "no avatar is built for a stopped attempt")
}

func TestSessionStopWhileBuildingAvatar(t *testing.T) {
	fx := newSessionFixture(t)
	fx.onBuild = func() {
		require.NoError(t, fx.session.Stop(context.Background()))
	}

	err := fx.session.Start(context.Background(), DefaultStartRequest())
	assert.ErrorIs(t, err, shared.ErrSessionAborted)
	assert.Equal(t, SessionStateInactive, fx.session.State())
	require.Len(t, fx.avatars, 1)
	assert.Equal(t, 1, fx.avatar().Stops(), "the orphaned avatar is released")
	assert.NotContains(t, fx.avatar().Calls(), "start")
}

func TestSessionSnapshotsAreSequenced(t *testing.T) {
	fx := newSessionFixture(t)
	var seqs []uint64
	fx.session.OnChange(func(snap Snapshot) { seqs = append(seqs, snap.Seq) })

	initial := fx.session.Snapshot().Seq
	av := fx.connect(t)
	av.emitTalking(EventTypeAvatarTalkingMessage, "Hi")
	require.NoError(t, fx.session.Stop(context.Background()))

	require.Len(t, seqs, 4)
	prev := initial
	for _, seq := range seqs {
		assert.Greater(t, seq, prev)
		prev = seq
	}
	assert.Equal(t, prev, fx.session.Snapshot().Seq, "reading a snapshot does not advance the sequence")
}
