package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// UserInfo is one entry of the backend's active-user list.
type UserInfo struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name"`
	Age        int      `json:"age,omitempty"`
	Gender     string   `json:"gender,omitempty"`
	Style      string   `json:"style,omitempty"`
	Interests  []string `json:"interests,omitempty"`
	LastActive string   `json:"last_active,omitempty"`
}

// Client talks to the backend's HTTP API: user profiles, presence, and the
// proactive-chat settings that live outside the websocket protocol.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// ActiveUsers returns the users the backend currently knows about.
func (c *Client) ActiveUsers(ctx context.Context) ([]UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/memory/users/active", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Success     bool       `json:"success"`
		ActiveUsers []UserInfo `json:"active_users"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("active users request rejected")
	}
	return resp.ActiveUsers, nil
}

// PutProfile creates or updates a user profile.
func (c *Client) PutProfile(ctx context.Context, userID string, profile map[string]any) error {
	body, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/memory/user/"+userID+"/profile", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.do(req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error != "" {
			return fmt.Errorf("profile update rejected: %s", resp.Error)
		}
		return fmt.Errorf("profile update rejected")
	}
	return nil
}

// Login resolves a username (or user ID) against the active-user list and
// creates a fresh profile when nobody matches. Returns the resolved identity.
func (c *Client) Login(ctx context.Context, key string) (*UserInfo, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("username required")
	}

	users, err := c.ActiveUsers(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Active user lookup failed; creating fresh user")
	}
	for i := range users {
		if users[i].Name == key || users[i].UserID == key {
			c.logger.Info().Str("user_id", users[i].UserID).Msg("Existing user found")
			return &users[i], nil
		}
	}

	userID := "user_" + sanitizeID(key) + "_" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := c.PutProfile(ctx, userID, map[string]any{"name": key, "style": "友好"}); err != nil {
		return nil, err
	}
	c.logger.Info().Str("user_id", userID).Msg("New user created")
	return &UserInfo{UserID: userID, Name: key}, nil
}

// SilenceTimeout returns after how many seconds of user silence the backend
// starts a proactive message.
func (c *Client) SilenceTimeout(ctx context.Context, userID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/proactive/silence-timeout/"+userID, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		SilenceTimeout int `json:"silence_timeout"`
	}
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.SilenceTimeout, nil
}

// SetSilenceTimeout configures the proactive-chat silence threshold.
func (c *Client) SetSilenceTimeout(ctx context.Context, userID string, seconds int) error {
	body, err := json.Marshal(map[string]int{"timeout": seconds})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/proactive/silence-timeout/"+userID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// UploadImage sends a local image to the backend and returns its URL for use
// inside a chat message.
func (c *Client) UploadImage(ctx context.Context, path string) (string, error) {
	return c.upload(ctx, "/upload/image", path)
}

// UploadFile sends any other local file to the backend.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	return c.upload(ctx, "/upload/file", path)
}

func (c *Client) upload(ctx context.Context, endpoint, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp struct {
		Success bool   `json:"success"`
		FileURL string `json:"file_url"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.FileURL == "" {
		return "", fmt.Errorf("upload rejected")
	}
	return resp.FileURL, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// sanitizeID keeps letters and digits (CJK included) and folds everything
// else to underscores, matching the backend's user ID convention.
func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, s)
}
