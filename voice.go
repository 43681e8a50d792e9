package avatar

import (
	"context"
	"fmt"
	"strings"

	"github.com/bt-bridge/streaming-avatar/shared"
	"go.uber.org/zap"
)

type ChatMode string

const (
	ChatModeText  ChatMode = "text"
	ChatModeVoice ChatMode = "voice"
)

// VoiceChatState tracks microphone capture on top of a live session. Loading
// covers the window between a start/stop request and the vendor's answer;
// Loading and Active are never both set once that answer is in.
type VoiceChatState struct {
	Loading bool `json:"loading"`
	Active  bool `json:"active"`
	Muted   bool `json:"muted"`
}

// StartVoiceChat opens the microphone and streams it to the avatar. It is a
// no-op when voice chat is already active or starting.
func (s *Session) StartVoiceChat(ctx context.Context) error {
	s.mu.Lock()
	av, gen, err := s.liveLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.voice.Loading || s.voice.Active {
		s.mu.Unlock()
		return nil
	}
	s.voice.Loading = true
	s.mode = ChatModeVoice
	s.unlockAndNotify()

	err = av.StartVoiceChat(ctx, false)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return shared.ErrNotConnected
	}
	s.voice.Loading = false
	if err != nil {
		s.mode = ChatModeText
		s.logger.Error("starting voice chat", err)
	} else {
		s.voice.Active = true
		s.voice.Muted = false
		s.logger.Info("voice chat started")
	}
	s.unlockAndNotify()
	if err != nil {
		return fmt.Errorf("starting voice chat: %w", err)
	}
	return nil
}

// StopVoiceChat closes the microphone. It is a no-op when voice chat is not
// active.
func (s *Session) StopVoiceChat(ctx context.Context) error {
	s.mu.Lock()
	av, gen, err := s.liveLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.voice.Active || s.voice.Loading {
		s.mu.Unlock()
		return nil
	}
	s.voice.Loading = true
	s.unlockAndNotify()

	err = av.CloseVoiceChat()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.voice.Loading = false
	if err != nil {
		// Capture state is unknown; report it as still active so the user can
		// retry the stop.
		s.logger.Error("stopping voice chat", err)
	} else {
		s.voice.Active = false
		s.voice.Muted = false
		s.logger.Info("voice chat stopped")
	}
	s.unlockAndNotify()
	if err != nil {
		return fmt.Errorf("stopping voice chat: %w", err)
	}
	return nil
}

func (s *Session) Mute() {
	s.setMuted(true)
}

func (s *Session) Unmute() {
	s.setMuted(false)
}

// setMuted does nothing unless voice chat is active.
func (s *Session) setMuted(muted bool) {
	s.mu.Lock()
	if !s.voice.Active || s.voice.Loading || s.voice.Muted == muted || s.avatar == nil {
		s.mu.Unlock()
		return
	}
	if muted {
		s.avatar.MuteInputAudio()
	} else {
		s.avatar.UnmuteInputAudio()
	}
	s.voice.Muted = muted
	s.logger.Debug("input audio toggled", zap.Bool("muted", muted))
	s.unlockAndNotify()
}

// SetMode switches between voice and text input. Leaving voice mode stops
// voice chat first so no microphone capture is left running.
func (s *Session) SetMode(ctx context.Context, mode ChatMode) error {
	s.mu.Lock()
	if _, _, err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	voice := s.voice
	current := s.mode
	s.mu.Unlock()

	switch mode {
	case ChatModeText:
		if voice.Loading {
			return nil
		}
		if voice.Active {
			if err := s.StopVoiceChat(ctx); err != nil {
				return err
			}
		}
		if current == ChatModeText {
			return nil
		}
		s.mu.Lock()
		s.mode = ChatModeText
		s.unlockAndNotify()
		return nil
	case ChatModeVoice:
		if voice.Active || voice.Loading {
			return nil
		}
		return s.StartVoiceChat(ctx)
	default:
		return fmt.Errorf("unknown chat mode: %q", mode)
	}
}

func trimMessage(text string) string {
	return strings.TrimSpace(text)
}
