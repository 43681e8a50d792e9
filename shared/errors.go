package shared

import "errors"

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoToken               = errors.New("no access token provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoTokenSource         = errors.New("no token source provided")
	ErrNoAvatarFactory       = errors.New("no avatar factory provided")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrEHandlerAlreadySet    = errors.New("event handler already set")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionNotRunning     = errors.New("session not running")
	ErrSessionAborted        = errors.New("session stopped while connecting")
	ErrNotConnected          = errors.New("session not connected")
	ErrVoiceChatActive       = errors.New("voice chat already active")

	// Failure categories. Concrete causes are joined with these so callers can
	// branch with errors.Is.
	ErrTokenFetch  = errors.New("fetching access token")
	ErrSdkInit     = errors.New("initializing avatar sdk")
	ErrSdkStart    = errors.New("starting avatar stream")
	ErrPersistence = errors.New("persisting conversation")
)
