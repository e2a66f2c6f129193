package monzo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// defaultTokenTTL applies when the token endpoint omits expires_in.
const defaultTokenTTL = 6 * time.Hour

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	APIBaseURL   string
	AuthURL      string
	HTTPClient   *http.Client
}

// Client is a thin transport over the Monzo REST API. It does not retry; callers wrap
// calls in a retry policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	oauth      *oauth2.Config
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	return &Client{
		baseURL:    base,
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  base + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// AuthCodeURL builds the browser authorization URL carrying state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

func (c *Client) ExchangeCodeForTokens(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, mapOAuthError(err)
	}
	return toTokenSet(tok), nil
}

func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mapOAuthError(err)
	}
	return toTokenSet(tok), nil
}

func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/accounts", accessToken, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// GetTransactions returns up to limit transactions created at or after since and, when
// before is set, strictly before it. Results are ordered oldest first.
func (c *Client) GetTransactions(ctx context.Context, accessToken, accountID string, since time.Time, before *time.Time, limit int) ([]Transaction, error) {
	q := url.Values{}
	q.Set("account_id", accountID)
	q.Set("expand[]", "merchant")
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	if before != nil {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.do(ctx, http.MethodGet, "/transactions", accessToken, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

func (c *Client) RegisterWebhook(ctx context.Context, accessToken, accountID, callbackURL string) (*Webhook, error) {
	form := url.Values{}
	form.Set("account_id", accountID)
	form.Set("url", callbackURL)
	var out struct {
		Webhook Webhook `json:"webhook"`
	}
	if err := c.do(ctx, http.MethodPost, "/webhooks", accessToken, nil, form, &out); err != nil {
		return nil, err
	}
	return &out.Webhook, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, accessToken, webhookID string) error {
	return c.do(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(webhookID), accessToken, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, query, form url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return newResponseError(resp, eb)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func toTokenSet(tok *oauth2.Token) *TokenSet {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenTTL)
	}
	return &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt.UTC(),
	}
}

// mapOAuthError turns token endpoint rejections into OAuthExchangeError and leaves
// transport errors untouched so they can be classified for retry.
func mapOAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		msg := re.ErrorDescription
		if msg == "" {
			msg = strings.TrimSpace(string(re.Body))
		}
		return &OAuthExchangeError{StatusCode: status, Code: re.ErrorCode, Message: msg}
	}
	return fmt.Errorf("monzo token request: %w", err)
}
