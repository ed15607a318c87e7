package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"relay/dto"
)

const (
	RegisterPath = "/register"
	SendPath     = "/send"
)

// HubClient тонкий HTTP клиент к API хаба
type HubClient struct {
	baseURL string
	http    *http.Client
}

// NewHubClient принимает адрес хаба вида host:port или http://host:port
func NewHubClient(addr string, timeout time.Duration) *HubClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HubClient{
		baseURL: NormalizeBaseURL(addr),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *HubClient) BaseURL() string {
	return c.baseURL
}

// Register вызывает RegisterClient на хабе
func (c *HubClient) Register(ctx context.Context, reg dto.Registration) error {
	return c.postJSON(ctx, RegisterPath, reg)
}

// Send вызывает SendMessage на хабе
func (c *HubClient) Send(ctx context.Context, msg dto.Message) error {
	return c.postJSON(ctx, SendPath, msg)
}

func (c *HubClient) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error marshal request. %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func NormalizeBaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
