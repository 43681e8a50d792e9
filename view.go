package avatar

import (
	"context"
	"time"
)

type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseConnecting Phase = "CONNECTING"
	PhaseLive       Phase = "LIVE"
)

// View is what a front-end renders. It is derived from a Snapshot and holds
// no state of its own.
type View struct {
	Phase    Phase
	Subtitle string
	Mode     ChatMode
	// ShowMicrophone selects the mute button over the text input.
	ShowMicrophone   bool
	ControlsDisabled bool
	MicLoading       bool
	MicMuted         bool
	UserTalking      bool
	AvatarTalking    bool
	CanInterrupt     bool
	CanEndSession    bool
	Quality          ConnectionQuality
	Messages         []Message
}

func Project(s Snapshot) View {
	v := View{
		Subtitle: s.Subtitle,
		Mode:     s.Mode,
		Quality:  s.Quality,
		Messages: s.Messages,
	}
	switch s.State {
	case SessionStateConnecting:
		v.Phase = PhaseConnecting
		v.CanEndSession = true
	case SessionStateConnected:
		v.Phase = PhaseLive
		v.CanEndSession = true
		v.ShowMicrophone = s.Voice.Active || s.Voice.Loading
		v.ControlsDisabled = s.Voice.Loading
		v.MicLoading = s.Voice.Loading
		v.MicMuted = s.Voice.Active && s.Voice.Muted
		v.UserTalking = s.Turn.UserTalking
		v.AvatarTalking = s.Turn.AvatarTalking
		v.CanInterrupt = true
	default:
		v.Phase = PhaseIdle
		v.Subtitle = ""
	}
	return v
}

// Fullscreener puts the front-end into fullscreen. Implementations may fail;
// callers treat fullscreen as best effort.
type Fullscreener interface {
	RequestFullscreen(ctx context.Context) error
}

// AutoFullscreenDelay is how long after reaching CONNECTED the automatic
// fullscreen request fires.
const AutoFullscreenDelay = 500 * time.Millisecond

// FullscreenPolicy decides when to enter fullscreen on its own: once per
// session, on the first CONNECTED state. The flag resets when the session
// goes back to INACTIVE.
type FullscreenPolicy struct {
	entered bool
}

// Observe reports whether an automatic fullscreen request is due.
func (p *FullscreenPolicy) Observe(state SessionState) bool {
	switch state {
	case SessionStateConnected:
		if !p.entered {
			p.entered = true
			return true
		}
	case SessionStateInactive:
		p.entered = false
	}
	return false
}
