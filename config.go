package avatar

import (
	"fmt"
	"slices"

	"github.com/caarlos0/env/v11"
)

type AvatarQuality string

const (
	AvatarQualityLow    AvatarQuality = "low"
	AvatarQualityMedium AvatarQuality = "medium"
	AvatarQualityHigh   AvatarQuality = "high"
)

type VoiceEmotion string

const (
	VoiceEmotionExcited     VoiceEmotion = "excited"
	VoiceEmotionSerious     VoiceEmotion = "serious"
	VoiceEmotionFriendly    VoiceEmotion = "friendly"
	VoiceEmotionSoothing    VoiceEmotion = "soothing"
	VoiceEmotionBroadcaster VoiceEmotion = "broadcaster"
)

type VoiceModel string

const (
	VoiceModelFlashV2_5        VoiceModel = "eleven_flash_v2_5"
	VoiceModelMultilingualV2   VoiceModel = "eleven_multilingual_v2"
	VoiceModelMultilingualSTS2 VoiceModel = "eleven_multilingual_sts_v2"
	VoiceModelTurboV2_5        VoiceModel = "eleven_turbo_v2_5"
)

type VoiceChatTransport string

const (
	VoiceChatTransportWebSocket VoiceChatTransport = "websocket"
	VoiceChatTransportLiveKit   VoiceChatTransport = "livekit"
)

type STTProvider string

const (
	STTProviderDeepgram STTProvider = "deepgram"
	STTProviderGladia   STTProvider = "gladia"
)

// Fallbacks used when the environment is silent or names an unknown value.
const (
	DefaultAvatarName  = "Ann_Therapist_public"
	DefaultKnowledgeID = "988437160dc645f9a6aec4eb616795f2"
	DefaultVoiceRate   = 1.5
	DefaultLanguage    = "en"
)

type VoiceSettings struct {
	Rate    float64      `json:"rate"    yaml:"rate"    env:"AVATAR_VOICE_RATE"    envDefault:"1.5"`
	Emotion VoiceEmotion `json:"emotion" yaml:"emotion" env:"AVATAR_VOICE_EMOTION" envDefault:"excited"`
	Model   VoiceModel   `json:"model"   yaml:"model"   env:"AVATAR_VOICE_MODEL"   envDefault:"eleven_flash_v2_5"`
}

type STTSettings struct {
	Provider STTProvider `json:"provider" yaml:"provider" env:"AVATAR_STT_PROVIDER" envDefault:"deepgram"`
}

// StartRequest is the configuration handed to the vendor when a session is
// created.
type StartRequest struct {
	Quality            AvatarQuality      `json:"quality"              yaml:"quality"              env:"AVATAR_QUALITY"              envDefault:"low"`
	AvatarName         string             `json:"avatar_name"          yaml:"avatar_name"          env:"AVATAR_NAME"                 envDefault:"Ann_Therapist_public"`
	KnowledgeID        string             `json:"knowledge_id"         yaml:"knowledge_id"         env:"AVATAR_KNOWLEDGE_ID"         envDefault:"988437160dc645f9a6aec4eb616795f2"`
	Voice              VoiceSettings      `json:"voice"                yaml:"voice"`
	Language           string             `json:"language"             yaml:"language"             env:"AVATAR_LANGUAGE"             envDefault:"en"`
	VoiceChatTransport VoiceChatTransport `json:"voice_chat_transport" yaml:"voice_chat_transport" env:"AVATAR_VOICE_CHAT_TRANSPORT" envDefault:"websocket"`
	STTSettings        STTSettings        `json:"stt_settings"         yaml:"stt_settings"`
}

// DefaultStartRequest returns the hard-coded fallback configuration.
func DefaultStartRequest() *StartRequest {
	return &StartRequest{
		Quality:     AvatarQualityLow,
		AvatarName:  DefaultAvatarName,
		KnowledgeID: DefaultKnowledgeID,
		Voice: VoiceSettings{
			Rate:    DefaultVoiceRate,
			Emotion: VoiceEmotionExcited,
			Model:   VoiceModelFlashV2_5,
		},
		Language:           DefaultLanguage,
		VoiceChatTransport: VoiceChatTransportWebSocket,
		STTSettings:        STTSettings{Provider: STTProviderDeepgram},
	}
}

// LoadStartRequestFromEnv reads the start request from the environment.
// Unknown enum values and malformed numbers fall back to the defaults instead
// of failing: a bad variable must never keep the demo from starting.
func LoadStartRequestFromEnv() (*StartRequest, error) {
	req := new(StartRequest)
	if err := env.Parse(req); err != nil {
		return DefaultStartRequest(), fmt.Errorf("parse env: %w", err)
	}
	req.normalize()
	return req, nil
}

func (r *StartRequest) normalize() {
	def := DefaultStartRequest()
	if !slices.Contains([]AvatarQuality{AvatarQualityLow, AvatarQualityMedium, AvatarQualityHigh}, r.Quality) {
		r.Quality = def.Quality
	}
	if r.AvatarName == "" {
		r.AvatarName = def.AvatarName
	}
	if r.Voice.Rate <= 0 {
		r.Voice.Rate = def.Voice.Rate
	}
	if !slices.Contains([]VoiceEmotion{
		VoiceEmotionExcited, VoiceEmotionSerious, VoiceEmotionFriendly,
		VoiceEmotionSoothing, VoiceEmotionBroadcaster,
	}, r.Voice.Emotion) {
		r.Voice.Emotion = def.Voice.Emotion
	}
	if !slices.Contains([]VoiceModel{
		VoiceModelFlashV2_5, VoiceModelMultilingualV2,
		VoiceModelMultilingualSTS2, VoiceModelTurboV2_5,
	}, r.Voice.Model) {
		r.Voice.Model = def.Voice.Model
	}
	if r.Language == "" {
		r.Language = def.Language
	}
	if !slices.Contains([]VoiceChatTransport{VoiceChatTransportWebSocket, VoiceChatTransportLiveKit}, r.VoiceChatTransport) {
		r.VoiceChatTransport = def.VoiceChatTransport
	}
	if !slices.Contains([]STTProvider{STTProviderDeepgram, STTProviderGladia}, r.STTSettings.Provider) {
		r.STTSettings.Provider = def.STTSettings.Provider
	}
}
