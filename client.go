package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/bt-bridge/streaming-avatar/tools"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type TaskType string

const (
	TaskTypeTalk   TaskType = "talk"
	TaskTypeRepeat TaskType = "repeat"
)

type TaskMode string

const (
	TaskModeSync  TaskMode = "sync"
	TaskModeAsync TaskMode = "async"
)

type SpeakRequest struct {
	Text     string   `json:"text"`
	TaskType TaskType `json:"task_type"`
	TaskMode TaskMode `json:"task_mode"`
}

// AudioSource produces encoded microphone frames for voice chat.
type AudioSource interface {
	Stream(ctx context.Context, sink func(frame []byte) error) error
	Close() error
}

type AudioSourceOpener func() (AudioSource, error)

// Vendor REST paths.
const (
	pathStreamingNew            = "/v1/streaming.new"
	pathStreamingStart          = "/v1/streaming.start"
	pathStreamingStop           = "/v1/streaming.stop"
	pathStreamingTask           = "/v1/streaming.task"
	pathStreamingInterrupt      = "/v1/streaming.interrupt"
	pathStreamingStartListening = "/v1/streaming.start_listening"
	pathStreamingStopListening  = "/v1/streaming.stop_listening"
	pathStreamingChat           = "/v1/ws/streaming.chat"
)

// Client events sent on the event socket.
const (
	clientEventAudioAppend = "agent.audio_buffer_append"
	clientEventAudioClear  = "agent.audio_buffer_clear"
)

// Client is a vendor streaming session. REST calls go through fasthttp; the
// event stream and voice-chat audio share one websocket.
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	token   string
	http    *fasthttp.Client
	dialer  *websocket.Dialer
	openMic AudioSourceOpener

	mu      sync.Mutex
	eh      EventHandler
	info    *Stream
	req     *StartRequest
	conn    *websocket.Conn
	running bool
	closed  bool
	voice   *voiceChat

	writeMu sync.Mutex
	muted   atomic.Bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ Avatar = (*Client)(nil)

type voiceChat struct {
	cancel context.CancelFunc
	mic    AudioSource
	done   chan struct{}
}

type ClientOption func(*Client)

func WithHTTPClient(hc *fasthttp.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithAudioSource(open AudioSourceOpener) ClientOption {
	return func(c *Client) { c.openMic = open }
}

// NewClient prepares a session against the vendor API at baseUrl using a
// session token from the backend. Nothing is sent until Start.
func NewClient(ctx context.Context, logger shared.LoggerAdapter, token, baseUrl string, opts ...ClientOption) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if token == "" {
		return nil, shared.ErrNoToken
	}
	var (
		u   *url.URL
		err error
	)
	if baseUrl != "" {
		u, err = url.Parse(baseUrl)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		u = &url.URL{Scheme: "https", Host: "api.heygen.com"}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c := &Client{
		logger:  logger.With(zap.String("component", "avatar-client")),
		baseUrl: u,
		token:   token,
		http:    &fasthttp.Client{},
		dialer:  websocket.DefaultDialer,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.openMic = func() (AudioSource, error) {
		return tools.OpenMicrophone(c.logger)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) On(handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.eh != nil {
		return shared.ErrEHandlerAlreadySet
	}
	if handler == nil {
		return shared.ErrNoEventHandler
	}
	c.eh = handler
	return nil
}

// Start creates and starts the vendor session, then opens the event socket.
// stream_ready is the first event delivered on the handler.
func (c *Client) Start(ctx context.Context, req *StartRequest) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return shared.ErrSessionNotRunning
	case c.running:
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	case c.eh == nil:
		c.mu.Unlock()
		return shared.ErrNoEventHandler
	case req == nil:
		c.mu.Unlock()
		return shared.ErrNoConfig
	}
	c.mu.Unlock()

	info := new(Stream)
	if err := c.post(ctx, pathStreamingNew, newSessionBody(req), info); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if info.SessionID == "" {
		return errors.New("creating session: empty session id")
	}
	c.logger.Info("session created", zap.String("session_id", info.SessionID))

	// Published early so Stop closes the vendor session even if the rest fails.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.ErrSessionNotRunning
	}
	c.info = info
	c.req = req
	c.mu.Unlock()

	if err := c.post(ctx, pathStreamingStart, map[string]any{"session_id": info.SessionID}, nil); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.eventsURL(info, req), nil)
	if err != nil {
		return fmt.Errorf("dialing event socket: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return shared.ErrSessionNotRunning
	}
	c.conn = conn
	c.running = true
	eh := c.eh
	c.mu.Unlock()

	go c.readLoop(conn, info, eh)
	return nil
}

func newSessionBody(req *StartRequest) map[string]any {
	return map[string]any{
		"version":              "v2",
		"video_encoding":       "H264",
		"quality":              req.Quality,
		"avatar_name":          req.AvatarName,
		"knowledge_base_id":    req.KnowledgeID,
		"language":             req.Language,
		"voice_chat_transport": req.VoiceChatTransport,
		"voice": map[string]any{
			"rate":    req.Voice.Rate,
			"emotion": req.Voice.Emotion,
			"model":   req.Voice.Model,
		},
		"stt_settings": map[string]any{
			"provider": req.STTSettings.Provider,
		},
	}
}

func (c *Client) eventsURL(info *Stream, req *StartRequest) string {
	if info.RealtimeEndpoint != "" {
		return info.RealtimeEndpoint
	}
	u := *c.baseUrl
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = pathStreamingChat
	q := url.Values{}
	q.Set("session_id", info.SessionID)
	q.Set("session_token", c.token)
	q.Set("silence_response", "false")
	q.Set("stt_language", req.Language)
	u.RawQuery = q.Encode()
	return u.String()
}

// readLoop is the only goroutine calling the event handler, so events reach
// it one at a time and in arrival order.
func (c *Client) readLoop(conn *websocket.Conn, info *Stream, eh EventHandler) {
	eh(&Event{
		EventId: uuid.NewString(),
		Type:    EventTypeStreamReady,
		Param:   &EventParamStreamReady{Stream: info},
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Error("event socket closed unexpectedly", err)
			c.cancel(fmt.Errorf("event socket: %w", err))
			eh(&Event{
				EventId: uuid.NewString(),
				Type:    EventTypeStreamDisconnected,
				Param:   &EventParamEmpty{},
			})
			return
		}
		event := new(Event)
		if err := event.UnmarshalJSON(data); err != nil {
			c.logger.Debug("skipping event", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		c.logger.Info(
			"received event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.EventId),
		)
		eh(event)
	}
}

// Stop closes the vendor session. Safe to call more than once and while
// Start is still running.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	conn, info, voice := c.conn, c.info, c.voice
	c.conn, c.voice = nil, nil
	c.mu.Unlock()

	if voice != nil {
		c.stopVoice(voice)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("closing event socket", zap.Error(err))
		}
	}
	var err error
	if info != nil {
		if err = c.post(ctx, pathStreamingStop, map[string]any{"session_id": info.SessionID}, nil); err != nil {
			err = fmt.Errorf("stopping session: %w", err)
		}
	}
	c.cancel(errors.New("client stopped"))
	c.logger.Info("session closed")
	return err
}

func (c *Client) sessionID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.info == nil {
		return "", shared.ErrSessionNotRunning
	}
	return c.info.SessionID, nil
}

func (c *Client) Speak(ctx context.Context, req SpeakRequest) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	if req.TaskType == "" {
		req.TaskType = TaskTypeTalk
	}
	if req.TaskMode == "" {
		req.TaskMode = TaskModeAsync
	}
	return c.post(ctx, pathStreamingTask, map[string]any{
		"session_id": id,
		"text":       req.Text,
		"task_type":  req.TaskType,
		"task_mode":  req.TaskMode,
	}, nil)
}

func (c *Client) Interrupt(ctx context.Context) error {
	return c.simple(ctx, pathStreamingInterrupt)
}

func (c *Client) StartListening(ctx context.Context) error {
	return c.simple(ctx, pathStreamingStartListening)
}

func (c *Client) StopListening(ctx context.Context) error {
	return c.simple(ctx, pathStreamingStopListening)
}

func (c *Client) simple(ctx context.Context, path string) error {
	id, err := c.sessionID()
	if err != nil {
		return err
	}
	return c.post(ctx, path, map[string]any{"session_id": id}, nil)
}

// StartVoiceChat opens the microphone and streams it over the event socket.
func (c *Client) StartVoiceChat(ctx context.Context, muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.conn == nil {
		return shared.ErrSessionNotRunning
	}
	if c.voice != nil {
		return shared.ErrVoiceChatActive
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.req != nil && c.req.VoiceChatTransport != VoiceChatTransportWebSocket {
		c.logger.Warn(
			"voice chat transport not supported, using websocket",
			zap.String("transport", string(c.req.VoiceChatTransport)),
		)
	}
	mic, err := c.openMic()
	if err != nil {
		return fmt.Errorf("opening microphone: %w", err)
	}
	vctx, cancel := context.WithCancel(c.ctx)
	v := &voiceChat{cancel: cancel, mic: mic, done: make(chan struct{})}
	c.voice = v
	c.muted.Store(muted)
	go func() {
		defer close(v.done)
		if err := mic.Stream(vctx, c.sendAudio); err != nil {
			c.logger.Error("streaming microphone", err)
		}
	}()
	c.logger.Info("voice chat started", zap.Bool("muted", muted))
	return nil
}

func (c *Client) CloseVoiceChat() error {
	c.mu.Lock()
	v := c.voice
	c.voice = nil
	c.mu.Unlock()
	if v == nil {
		return nil
	}
	return c.stopVoice(v)
}

func (c *Client) stopVoice(v *voiceChat) error {
	v.cancel()
	err := v.mic.Close()
	<-v.done
	if serr := c.send(map[string]any{"type": clientEventAudioClear, "event_id": uuid.NewString()}); serr != nil {
		c.logger.Debug("clearing audio buffer", zap.Error(serr))
	}
	if err != nil {
		return fmt.Errorf("closing microphone: %w", err)
	}
	c.logger.Info("voice chat closed")
	return nil
}

func (c *Client) MuteInputAudio() {
	c.muted.Store(true)
}

func (c *Client) UnmuteInputAudio() {
	c.muted.Store(false)
}

func (c *Client) sendAudio(frame []byte) error {
	if c.muted.Load() {
		return nil
	}
	return c.send(map[string]any{
		"type":     clientEventAudioAppend,
		"event_id": uuid.NewString(),
		"audio":    tools.EncodeFrame(frame),
	})
}

func (c *Client) send(msg map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return shared.ErrSessionNotRunning
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling client event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// vendorEnvelope wraps every vendor REST response.
type vendorEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseUrl.JoinPath(path).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.SetContentType("application/json")
	req.SetBody(payload)

	c.logger.Trace("vendor request", zap.String("path", path))
	if err := do(ctx, c.http, req, resp); err != nil {
		return err
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusUnauthorized:
		return shared.ErrUnauthorized
	case fasthttp.StatusForbidden:
		return shared.ErrForbidden
	default:
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	if out == nil {
		return nil
	}
	var env vendorEnvelope
	if err := sonic.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("empty response data: code %d: %s", env.Code, env.Message)
	}
	if err := sonic.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
