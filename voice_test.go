package avatar

import (
	"context"
	"errors"
	"testing"

	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoiceChatRequiresConnectedSession(t *testing.T) {
	fx := newSessionFixture(t)
	ctx := context.Background()
	assert.ErrorIs(t, fx.session.StartVoiceChat(ctx), shared.ErrNotConnected)
	assert.ErrorIs(t, fx.session.StopVoiceChat(ctx), shared.ErrNotConnected)
	assert.ErrorIs(t, fx.session.SetMode(ctx, ChatModeVoice), shared.ErrNotConnected)

	require.NoError(t, fx.session.Start(ctx, DefaultStartRequest()))
	assert.ErrorIs(t, fx.session.StartVoiceChat(ctx), shared.ErrNotConnected, "connecting is not enough")
}

func TestStartVoiceChat(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)

	var voices []VoiceChatState
	fx.session.OnChange(func(snap Snapshot) { voices = append(voices, snap.Voice) })

	require.NoError(t, fx.session.StartVoiceChat(context.Background()))
	snap := fx.session.Snapshot()
	assert.Equal(t, VoiceChatState{Active: true}, snap.Voice)
	assert.Equal(t, ChatModeVoice, snap.Mode)
	assert.Equal(t, []VoiceChatState{{Loading: true}, {Active: true}}, voices)

	require.NoError(t, fx.session.StartVoiceChat(context.Background()), "already active")
	assert.Equal(t, []string{"start", "start_voice_chat"}, av.Calls())
}

func TestStartVoiceChatFailure(t *testing.T) {
	fx := newSessionFixture(t)
	fx.next = &fakeAvatar{voiceErr: errors.New("no microphone")}
	fx.connect(t)

	err := fx.session.StartVoiceChat(context.Background())
	assert.Error(t, err)
	snap := fx.session.Snapshot()
	assert.Equal(t, VoiceChatState{}, snap.Voice)
	assert.Equal(t, ChatModeText, snap.Mode, "failed voice chat falls back to text")
	assert.Equal(t, SessionStateConnected, snap.State)
}

func TestStopVoiceChat(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)
	ctx := context.Background()

	require.NoError(t, fx.session.StopVoiceChat(ctx), "nothing to stop")
	require.NoError(t, fx.session.StartVoiceChat(ctx))
	fx.session.Mute()
	require.NoError(t, fx.session.StopVoiceChat(ctx))

	snap := fx.session.Snapshot()
	assert.Equal(t, VoiceChatState{}, snap.Voice)
	assert.Equal(t, []string{"start", "start_voice_chat", "mute", "close_voice_chat"}, av.Calls())
}

func TestStopVoiceChatFailureKeepsItActive(t *testing.T) {
	fx := newSessionFixture(t)
	fx.next = &fakeAvatar{closeErr: errors.New("device busy")}
	fx.connect(t)
	ctx := context.Background()
	require.NoError(t, fx.session.StartVoiceChat(ctx))

	assert.Error(t, fx.session.StopVoiceChat(ctx))
	assert.Equal(t, VoiceChatState{Active: true}, fx.session.Snapshot().Voice)
}

func TestMuteAndUnmute(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)

	fx.session.Mute()
	assert.False(t, fx.session.Snapshot().Voice.Muted, "mute is a no-op without voice chat")
	assert.False(t, av.muted)

	require.NoError(t, fx.session.StartVoiceChat(context.Background()))
	fx.session.Mute()
	assert.True(t, fx.session.Snapshot().Voice.Muted)
	assert.True(t, av.muted)
	fx.session.Mute()
	fx.session.Unmute()
	assert.False(t, fx.session.Snapshot().Voice.Muted)
	assert.False(t, av.muted)
	assert.Equal(t, []string{"start", "start_voice_chat", "mute", "unmute"}, av.Calls())
}

func TestSetModeStopsVoiceBeforeSwitching(t *testing.T) {
	fx := newSessionFixture(t)
	av := fx.connect(t)
	ctx := context.Background()

	require.NoError(t, fx.session.SetMode(ctx, ChatModeVoice))
	require.Equal(t, ChatModeVoice, fx.session.Snapshot().Mode)

	var seen []Snapshot
	fx.session.OnChange(func(snap Snapshot) { seen = append(seen, snap) })
	require.NoError(t, fx.session.SetMode(ctx, ChatModeText))

	snap := fx.session.Snapshot()
	assert.Equal(t, ChatModeText, snap.Mode)
	assert.False(t, snap.Voice.Active)
	assert.Equal(t, []string{"start", "start_voice_chat", "close_voice_chat"}, av.Calls())
	for _, s := range seen {
		if s.Mode == ChatModeText {
			assert.False(t, s.Voice.Active, "text mode is never shown with the microphone live")
		}
	}
}

func TestSetModeUnknown(t *testing.T) {
	fx := newSessionFixture(t)
	fx.connect(t)
	assert.Error(t, fx.session.SetMode(context.Background(), ChatMode("telepathy")))
}

func TestStopResetsVoiceChat(t *testing.T) {
	fx := newSessionFixture(t)
	fx.connect(t)
	require.NoError(t, fx.session.StartVoiceChat(context.Background()))
	require.NoError(t, fx.session.Stop(context.Background()))

	snap := fx.session.Snapshot()
	assert.Equal(t, VoiceChatState{}, snap.Voice)
	assert.Equal(t, ChatModeText, snap.Mode)
}
