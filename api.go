package avatar

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Backend routes served by the server package.
const (
	RouteAccessToken      = "/api/get-access-token"
	RouteSaveConversation = "/api/save-conversation"
)

// SaveConversationRequest is the body of the save-conversation route.
type SaveConversationRequest struct {
	Messages []Message `json:"messages"`
}

// SaveConversationResponse is what the save-conversation route answers.
type SaveConversationResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BackendClient talks to the demo backend: it fetches access tokens and
// uploads transcripts. It satisfies TokenSource and Recorder.
type BackendClient struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	http    *fasthttp.Client
}

var (
	_ TokenSource = (*BackendClient)(nil)
	_ Recorder    = (*BackendClient)(nil)
)

// NewBackendClient targets the backend at baseUrl. httpClient may be nil.
func NewBackendClient(logger shared.LoggerAdapter, baseUrl string, httpClient *fasthttp.Client) (*BackendClient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &fasthttp.Client{}
	}
	return &BackendClient{
		logger:  logger.With(zap.String("component", "backend-client")),
		baseUrl: u,
		http:    httpClient,
	}, nil
}

// Token asks the backend for a fresh vendor session token.
func (b *BackendClient) Token(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(b.baseUrl.JoinPath(RouteAccessToken).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	if err := do(ctx, b.http, req, resp); err != nil {
		return "", err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	token := strings.TrimSpace(string(resp.Body()))
	if token == "" {
		return "", shared.ErrNoToken
	}
	b.logger.Debug("access token fetched", zap.Int("length", len(token)))
	return token, nil
}

// Save uploads the transcript of a finished session.
func (b *BackendClient) Save(ctx context.Context, messages []Message) error {
	body, err := sonic.Marshal(&SaveConversationRequest{Messages: messages})
	if err != nil {
		return fmt.Errorf("marshaling conversation: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(b.baseUrl.JoinPath(RouteSaveConversation).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)
	if err := do(ctx, b.http, req, resp); err != nil {
		return err
	}

	var out SaveConversationResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return fmt.Errorf("%w: status %d: decoding response: %w", shared.ErrPersistence, resp.StatusCode(), err)
	}
	if resp.StatusCode() != fasthttp.StatusOK || !out.Success {
		return fmt.Errorf("%w: status %d: %s", shared.ErrPersistence, resp.StatusCode(), out.Error)
	}
	return nil
}

// do runs req on client within ctx's deadline. fasthttp cannot abort a
// request mid-flight, so a deadline-less cancellation is only seen up front.
func do(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = client.DoDeadline(req, resp, deadline)
	} else {
		err = client.Do(req, resp)
	}
	if err != nil {
		return fmt.Errorf("performing HTTP request: %w", err)
	}
	return nil
}
