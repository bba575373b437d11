package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/alexbotov/slotgate/internal/signer"
)

// Executor runs a request built by build. The rate limiter satisfies it and
// calls build again for every retry, so each attempt is freshly signed.
type Executor interface {
	Submit(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error)
}

type directExecutor struct {
	httpClient *http.Client
}

func (d directExecutor) Submit(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	return d.httpClient.Do(req)
}

// Client is a provider merchant API client
type Client struct {
	config *ClientConfig
	signer *signer.Signer
	exec   Executor
}

// Option configures a Client
type Option func(*Client)

// WithExecutor routes every request through exec
func WithExecutor(exec Executor) Option {
	return func(c *Client) { c.exec = exec }
}

// WithHTTPClient executes requests directly on httpClient
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.exec = directExecutor{httpClient: httpClient} }
}

// WithSigner replaces the signer built from the config credentials
func WithSigner(s *signer.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// NewClient creates a new provider API client
func NewClient(config *ClientConfig, opts ...Option) (*Client, error) {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	c := &Client{config: config}
	for _, opt := range opts {
		opt(c)
	}

	if c.signer == nil {
		s, err := signer.New(config.MerchantID, config.MerchantKey)
		if err != nil {
			return nil, err
		}
		c.signer = s
	}
	if c.exec == nil {
		c.exec = directExecutor{httpClient: &http.Client{Timeout: config.Timeout}}
	}
	return c, nil
}

// doRequest signs params and performs the request. GET requests carry params
// in the query string, POST requests in a form-encoded body.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, result interface{}) error {
	target := strings.TrimRight(c.config.BaseURL, "/") + endpoint
	encoded := params.Encode()

	build := func(ctx context.Context) (*http.Request, error) {
		hd, err := c.signer.Sign(params)
		if err != nil {
			return nil, err
		}

		var req *http.Request
		if method == http.MethodGet {
			u := target
			if encoded != "" {
				u += "?" + encoded
			}
			req, err = http.NewRequestWithContext(ctx, method, u, nil)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(encoded))
			if err == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		hd.Apply(req.Header)
		return req, nil
	}

	resp, err := c.exec.Submit(ctx, build)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// ListGames retrieves one page of the catalog
func (c *Client) ListGames(ctx context.Context, req ListGamesRequest) (*GamesPage, error) {
	if req.Page < 1 {
		req.Page = 1
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(req.Page))
	if req.PerPage > 0 {
		params.Set("perPage", strconv.Itoa(req.PerPage))
	}
	if req.Type != "" {
		params.Set("type", req.Type)
	}
	params.Set("expand", "tags,parameters")

	var page GamesPage
	if err := c.doRequest(ctx, http.MethodGet, "/games", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// InitGame launches a game and returns its URL. Demo launches skip the
// player fields.
func (c *Client) InitGame(ctx context.Context, req InitGameRequest) (*InitGameResult, error) {
	if req.GameID == "" {
		return nil, errors.New("provider: game id is required")
	}

	params := url.Values{}
	params.Set("game_uuid", req.GameID)
	if req.Device != "" {
		params.Set("device", string(req.Device))
	}
	if req.Language != "" {
		params.Set("language", req.Language)
	}
	if req.ReturnURL != "" {
		params.Set("return_url", req.ReturnURL)
	}
	if req.LobbyData != "" {
		params.Set("lobby_data", req.LobbyData)
	}

	endpoint := "/games/init-demo"
	if req.Mode != ModeDemo {
		if req.PlayerID == "" || req.Currency == "" || req.SessionID == "" {
			return nil, errors.New("provider: player, currency and session are required for real-money launch")
		}
		endpoint = "/games/init"
		params.Set("player_id", req.PlayerID)
		params.Set("player_name", req.PlayerName)
		params.Set("currency", strings.ToUpper(req.Currency))
		params.Set("session_id", req.SessionID)
	}

	var result InitGameResult
	if err := c.doRequest(ctx, http.MethodPost, endpoint, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Lobby lists the tables of a live game that has a lobby
func (c *Client) Lobby(ctx context.Context, gameID, currency string) (*LobbyResult, error) {
	params := url.Values{}
	params.Set("game_uuid", gameID)
	params.Set("currency", strings.ToUpper(currency))

	var result LobbyResult
	if err := c.doRequest(ctx, http.MethodGet, "/games/lobby", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
