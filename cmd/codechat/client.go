package codechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codechat-universal/codechat/pkg/config"
)

// gatewayClient talks to a running `codechat start`.
type gatewayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newGatewayClient(cfg *config.Config) *gatewayClient {
	return &gatewayClient{
		baseURL: cfg.GatewayURL(),
		token:   cfg.AuthToken(),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil {
			if e.Error != "" {
				msg = e.Error
			} else if e.Status != "" {
				msg = e.Status
			}
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *gatewayClient) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(c.baseURL, "http") + path
}
