package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/config"
	"tg_vpn_shop_bot/internal/logging"
)

const usersPath = "/api/users"

// maxPages bounds a single FetchAllUsers call against a panel that never
// returns an empty page.
const maxPages = 10000

// Client is a thin panel API client authenticated with a bearer token.
type Client struct {
	baseURL    *url.URL
	token      string
	pageSize   int
	httpClient *http.Client
	logger     *logrus.Entry
}

type usersEnvelope struct {
	Response struct {
		Users []User `json:"users"`
		Total int    `json:"total"`
	} `json:"response"`
}

// NewClient builds a Client from the panel configuration.
func NewClient(cfg config.PanelConfig, logger *logrus.Entry) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid panel api url %q", cfg.APIURL)
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("panel api token is required")
	}
	if cfg.PageSize <= 0 {
		return nil, errors.New("panel page size must be positive")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &Client{
		baseURL:    base,
		token:      cfg.APIToken,
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.WithField("component", "panel_client"),
	}, nil
}

// FetchAllUsers pages through every panel user. An error means the snapshot
// is unusable; a panel without users yields a non-nil empty slice.
func (c *Client) FetchAllUsers(ctx context.Context) ([]User, error) {
	if c == nil || c.httpClient == nil {
		return nil, errors.New("panel client is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	users := make([]User, 0)
	start := 0
	for page := 0; page < maxPages; page++ {
		batch, total, err := c.fetchPage(ctx, start)
		if err != nil {
			return nil, err
		}
		users = append(users, batch...)
		start += len(batch)

		if len(batch) == 0 || (total > 0 && start >= total) {
			c.logger.WithFields(logrus.Fields{
				"event": "panel_users_fetched",
				"count": len(users),
				"pages": page + 1,
			}).Debug("fetched panel users")
			return users, nil
		}
	}

	return nil, fmt.Errorf("fetch panel users: exceeded %d pages", maxPages)
}

func (c *Client) fetchPage(ctx context.Context, start int) ([]User, int, error) {
	endpoint := c.baseURL.JoinPath(usersPath)
	q := endpoint.Query()
	q.Set("start", strconv.Itoa(start))
	q.Set("size", strconv.Itoa(c.pageSize))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build panel users request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch panel users: %w", err)
	}
	defer drain(resp)

	if err := checkStatus(resp); err != nil {
		return nil, 0, fmt.Errorf("fetch panel users: %w", err)
	}

	var envelope usersEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, 0, fmt.Errorf("decode panel users: %w", err)
	}

	return envelope.Response.Users, envelope.Response.Total, nil
}

// UpdateUserDescription replaces the free-text description of a panel user.
func (c *Client) UpdateUserDescription(ctx context.Context, panelUUID, description string) error {
	if c == nil || c.httpClient == nil {
		return errors.New("panel client is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if strings.TrimSpace(panelUUID) == "" {
		return errors.New("panel uuid is required")
	}

	body, err := json.Marshal(map[string]string{
		"uuid":        panelUUID,
		"description": description,
	})
	if err != nil {
		return fmt.Errorf("encode panel user update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL.JoinPath(usersPath).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build panel user update: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("update panel user %s: %w", panelUUID, err)
	}
	defer drain(resp)

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("update panel user %s: %w", panelUUID, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
}

// StatusError is returned when the panel answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("panel returned status %d", e.Code)
	}
	return fmt.Sprintf("panel returned status %d: %s", e.Code, e.Body)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
