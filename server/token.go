package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/streaming-avatar/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

const pathCreateToken = "/v1/streaming.create_token"

// TokenIssuer mints short-lived session tokens for the front-end.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (string, error)
}

// VendorTokenIssuer exchanges the server-held API key for a session token,
// keeping the key out of the front-end.
type VendorTokenIssuer struct {
	apiKey  string
	baseUrl *url.URL
	http    *fasthttp.Client
	timeout time.Duration
}

var _ TokenIssuer = (*VendorTokenIssuer)(nil)

func NewVendorTokenIssuer(apiKey, baseUrl string, httpClient *fasthttp.Client) (*VendorTokenIssuer, error) {
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &fasthttp.Client{}
	}
	return &VendorTokenIssuer{apiKey: apiKey, baseUrl: u, http: httpClient, timeout: 10 * time.Second}, nil
}

type createTokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
	Error any `json:"error"`
}

func (v *VendorTokenIssuer) IssueToken(ctx context.Context) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(v.baseUrl.JoinPath(pathCreateToken).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("x-api-key", v.apiKey)

	deadline := time.Now().Add(v.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := v.http.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("performing HTTP request: %w", err)
	}
	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusUnauthorized:
		return "", shared.ErrUnauthorized
	case fasthttp.StatusForbidden:
		return "", shared.ErrForbidden
	default:
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	var out createTokenResponse
	if err := sonic.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if out.Data.Token == "" {
		return "", errors.New("vendor returned no token")
	}
	return out.Data.Token, nil
}
