package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voiceorder/server/internal/transport"
)

// RestaurantHeader 标识订单所属门店的请求头，协商和建连都要带上。
const RestaurantHeader = "X-Restaurant-ID"

// Offer 协商请求体。
type Offer struct {
	SessionID   string `json:"session_id"`
	AudioFormat string `json:"audio_format,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Answer 协商结果：实际的连接地址与短期凭证。
type Answer struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Expired 凭证是否已过期（ExpiresAt 为 0 表示不过期）。
func (a Answer) Expired(now time.Time) bool {
	return a.ExpiresAt > 0 && now.Unix() >= a.ExpiresAt
}

// Client 在建立语音连接之前向协商端点换取连接地址。
// 长期 API Key 只在服务端使用，远端连接只拿到短期 token。
type Client struct {
	HTTPClient   *http.Client
	Endpoint     string
	APIKey       string
	RestaurantID string
}

// Negotiate POST offer，返回 answer。
func (c *Client) Negotiate(ctx context.Context, offer Offer) (Answer, error) {
	if c.Endpoint == "" {
		return Answer{}, errors.New("negotiate endpoint is empty")
	}
	if c.RestaurantID == "" {
		return Answer{}, errors.New("restaurant id is empty")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	body, err := json.Marshal(offer)
	if err != nil {
		return Answer{}, fmt.Errorf("marshal offer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RestaurantHeader, c.RestaurantID)
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return Answer{}, fmt.Errorf("negotiate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 只带一小段 body，避免把长错误页透传给上层
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Answer{}, fmt.Errorf("negotiate: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(limited)))
	}

	var out Answer
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Answer{}, fmt.Errorf("decode answer: %w", err)
	}
	if out.URL == "" {
		return Answer{}, errors.New("negotiate returned empty url")
	}
	return out, nil
}

// Negotiator 把协商接到传输会话上：每次（重）连都重新协商，answer 转成拨号目标。
func (c *Client) Negotiator(offer Offer) transport.NegotiatorFunc {
	return func(ctx context.Context) (transport.Target, error) {
		answer, err := c.Negotiate(ctx, offer)
		if err != nil {
			return transport.Target{}, err
		}
		header := http.Header{}
		header.Set(RestaurantHeader, c.RestaurantID)
		if answer.Token != "" {
			header.Set("Authorization", "Bearer "+answer.Token)
		}
		return transport.Target{URL: answer.URL, Header: header}, nil
	}
}
