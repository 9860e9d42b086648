// Package messaging is the HTTP client for the messaging-source session provider.
package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/g960059/sigbridge/internal/provider"
)

type Client struct {
	http *provider.HTTPClient
}

func New(opts provider.HTTPOptions) (*Client, error) {
	hc, err := provider.NewHTTPClient(opts)
	if err != nil {
		return nil, fmt.Errorf("messaging provider: %w", err)
	}
	return &Client{http: hc}, nil
}

type statusReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type requestCodeBody struct {
	APIID   string `json:"api_id"`
	APIHash string `json:"api_hash"`
	Phone   string `json:"phone"`
}

func (c *Client) RequestCode(ctx context.Context, accountID string, creds provider.Credentials) (provider.MessagingReply, error) {
	return c.post(ctx, accountID, "code", requestCodeBody{
		APIID:   creds.APIID,
		APIHash: creds.APIHash,
		Phone:   creds.Phone,
	})
}

func (c *Client) VerifyCode(ctx context.Context, accountID, code string) (provider.MessagingReply, error) {
	return c.post(ctx, accountID, "verify-code", map[string]string{"code": code})
}

func (c *Client) VerifyPassword(ctx context.Context, accountID, password string) (provider.MessagingReply, error) {
	return c.post(ctx, accountID, "verify-password", map[string]string{"password": password})
}

type connectionReply struct {
	Connected     bool   `json:"connected"`
	ChannelsCount int    `json:"channels_count"`
	Message       string `json:"message"`
}

func (c *Client) CheckConnection(ctx context.Context, accountID string) (provider.ConnectionCheck, error) {
	path, err := sessionPath(accountID, "status")
	if err != nil {
		return provider.ConnectionCheck{}, err
	}
	var reply connectionReply
	if err := c.http.Do(ctx, http.MethodGet, path, nil, nil, &reply); err != nil {
		return provider.ConnectionCheck{}, err
	}
	return provider.ConnectionCheck{
		Connected:     reply.Connected,
		ChannelsCount: reply.ChannelsCount,
		Message:       reply.Message,
	}, nil
}

func (c *Client) post(ctx context.Context, accountID, action string, body any) (provider.MessagingReply, error) {
	path, err := sessionPath(accountID, action)
	if err != nil {
		return provider.MessagingReply{}, err
	}
	var reply statusReply
	if err := c.http.Do(ctx, http.MethodPost, path, nil, body, &reply); err != nil {
		return provider.MessagingReply{}, err
	}
	status, err := provider.ParseMessagingStatus(reply.Status)
	if err != nil {
		return provider.MessagingReply{}, err
	}
	return provider.MessagingReply{Status: status, Message: reply.Message}, nil
}

func sessionPath(accountID, action string) (string, error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return "", fmt.Errorf("account id is required")
	}
	return "/v1/accounts/" + url.PathEscape(id) + "/session/" + action, nil
}
