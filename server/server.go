// Package server is the demo backend: it mints vendor session tokens and
// persists conversation transcripts sent by the front-end.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	avatar "github.com/bt-bridge/streaming-avatar"
	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/bt-bridge/streaming-avatar/transcript"
	"github.com/bytedance/sonic"
	"github.com/spf13/afero"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	msgTokenFailed = "Failed to retrieve access token"
	msgSaveFailed  = "Failed to save conversation"
)

type Server struct {
	logger shared.LoggerAdapter
	cfg    Config
	tokens TokenIssuer
	store  transcript.Store
	srv    *fasthttp.Server
}

// NewStore builds the transcript store cfg selects, rooted at
// cfg.TranscriptDir on fs.
func NewStore(logger shared.LoggerAdapter, cfg Config, fs afero.Fs) (transcript.Store, error) {
	switch cfg.TranscriptMode {
	case transcript.ModeAppend, "":
		return transcript.NewAppendStore(logger, fs, cfg.TranscriptDir), nil
	case transcript.ModeRotate:
		return transcript.NewRotateStore(logger, fs, cfg.TranscriptDir), nil
	default:
		return nil, fmt.Errorf("unknown transcript mode %q", cfg.TranscriptMode)
	}
}

func New(logger shared.LoggerAdapter, cfg Config, tokens TokenIssuer, store transcript.Store) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if tokens == nil {
		return nil, errors.New("no token issuer provided")
	}
	if store == nil {
		return nil, errors.New("no transcript store provided")
	}
	s := &Server{
		logger: logger.With(zap.String("component", "server")),
		cfg:    cfg,
		tokens: tokens,
		store:  store,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "streaming-avatar",
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		MaxRequestBodySize: cfg.MaxBodySize,
	}
	return s, nil
}

func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		switch path {
		case avatar.RouteAccessToken, avatar.RouteSaveConversation:
		default:
			ctx.Error(fasthttp.StatusMessage(fasthttp.StatusNotFound), fasthttp.StatusNotFound)
			return
		}
		if !ctx.IsPost() {
			ctx.Response.Header.Set(fasthttp.HeaderAllow, fasthttp.MethodPost)
			ctx.Error(fasthttp.StatusMessage(fasthttp.StatusMethodNotAllowed), fasthttp.StatusMethodNotAllowed)
			return
		}
		if path == avatar.RouteAccessToken {
			s.handleAccessToken(ctx)
			return
		}
		s.handleSaveConversation(ctx)
	}
}

func (s *Server) handleAccessToken(ctx *fasthttp.RequestCtx) {
	token, err := s.tokens.IssueToken(ctx)
	if err != nil {
		s.logger.Error("retrieving access token", err)
		ctx.Error(msgTokenFailed, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString(token)
}

func (s *Server) handleSaveConversation(ctx *fasthttp.RequestCtx) {
	var req avatar.SaveConversationRequest
	if err := sonic.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.logger.Error("decoding conversation", err)
		s.writeSaveResult(ctx, fasthttp.StatusInternalServerError, avatar.SaveConversationResponse{Error: msgSaveFailed})
		return
	}
	if err := s.store.Save(ctx, req.Messages); err != nil {
		s.logger.Error("saving conversation", err, zap.Int("messages", len(req.Messages)))
		s.writeSaveResult(ctx, fasthttp.StatusInternalServerError, avatar.SaveConversationResponse{Error: msgSaveFailed})
		return
	}
	s.writeSaveResult(ctx, fasthttp.StatusOK, avatar.SaveConversationResponse{Success: true})
}

func (s *Server) writeSaveResult(ctx *fasthttp.RequestCtx, status int, body avatar.SaveConversationResponse) {
	data, err := sonic.Marshal(&body)
	if err != nil {
		s.logger.Error("encoding response", err)
		ctx.Error(fasthttp.StatusMessage(fasthttp.StatusInternalServerError), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(data)
}

// ListenAndServe serves on cfg.Addr until ctx ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errC := make(chan error, 1)
	go func() {
		errC <- s.srv.Serve(ln)
	}()
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errC
}
