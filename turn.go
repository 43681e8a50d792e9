package avatar

// TurnState tells who holds the floor right now. It only drives transient
// feedback (the talking ring, the interrupt affordance) and never seals
// messages; sealing waits for the end-message events, which can lag behind
// the stop-talking ones.
type TurnState struct {
	UserTalking     bool `json:"user_talking"`
	AvatarTalking   bool `json:"avatar_talking"`
	AvatarListening bool `json:"avatar_listening"`
}

// apply folds a turn-taking event into the state. It reports whether the
// event was a turn-taking event at all.
func (t *TurnState) apply(typ EventType) bool {
	switch typ {
	case EventTypeUserStart:
		t.UserTalking = true
	case EventTypeUserStop:
		t.UserTalking = false
	case EventTypeAvatarStartTalking:
		t.AvatarTalking = true
	case EventTypeAvatarStopTalking:
		t.AvatarTalking = false
	default:
		return false
	}
	return true
}
