// Package bridge is the HTTP client for the trading-bridge provider. Status
// polls share one token-bucket limiter across all monitored resources.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
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
		return nil, fmt.Errorf("bridge provider: %w", err)
	}
	return &Client{http: hc}, nil
}

type createBody struct {
	AccountID    string `json:"account_id"`
	JobID        string `json:"job_id"`
	Login        string `json:"login"`
	Password     string `json:"password"`
	Server       string `json:"server"`
	Platform     string `json:"platform"`
	BrokerFamily string `json:"broker_family,omitempty"`
}

type createReply struct {
	Success          bool     `json:"success"`
	ResourceID       string   `json:"resource_id"`
	DeploymentState  string   `json:"deployment_state"`
	ConnectionStatus string   `json:"connection_status"`
	SuggestedServers []string `json:"suggested_servers"`
	ErrorCode        string   `json:"error_code"`
	Message          string   `json:"message"`
}

// CreateResource submits the account. A 4xx reply carrying the create payload
// is returned as an unsuccessful CreateReply rather than an error.
func (c *Client) CreateResource(ctx context.Context, req provider.CreateRequest) (provider.CreateReply, error) {
	body := createBody{
		AccountID:    req.AccountID,
		JobID:        req.JobID,
		Login:        req.AccountNumber,
		Password:     req.Password,
		Server:       req.Server,
		Platform:     string(req.Platform),
		BrokerFamily: req.Hints.Family,
	}
	var reply createReply
	err := c.http.Do(ctx, http.MethodPost, "/v1/resources", nil, body, &reply)
	if err != nil {
		var reqErr *provider.RequestError
		if !errors.As(err, &reqErr) || reqErr.StatusCode >= 500 {
			return provider.CreateReply{}, err
		}
		reply = createReply{}
		_ = json.Unmarshal(reqErr.Body, &reply)
		reply.Success = false
		if reply.ErrorCode == "" {
			reply.ErrorCode = reqErr.Code
		}
		if reply.Message == "" {
			reply.Message = reqErr.Message
		}
		return toCreateReply(reply)
	}
	return toCreateReply(reply)
}

func toCreateReply(reply createReply) (provider.CreateReply, error) {
	out := provider.CreateReply{
		Success:          reply.Success,
		ResourceID:       strings.TrimSpace(reply.ResourceID),
		SuggestedServers: reply.SuggestedServers,
		ErrorCode:        reply.ErrorCode,
		Message:          reply.Message,
	}
	if !reply.Success {
		return out, nil
	}
	deployment, err := provider.ParseDeploymentState(reply.DeploymentState)
	if err != nil {
		return provider.CreateReply{}, err
	}
	connection, err := provider.ParseConnectionStatus(reply.ConnectionStatus)
	if err != nil {
		return provider.CreateReply{}, err
	}
	out.Deployment = deployment
	out.Connection = connection
	return out, nil
}

type statusReply struct {
	DeploymentState  string `json:"deployment_state"`
	ConnectionStatus string `json:"connection_status"`
	Message          string `json:"message"`
}

func (c *Client) GetResourceStatus(ctx context.Context, resourceID string) (provider.ResourceStatus, error) {
	id := strings.TrimSpace(resourceID)
	if id == "" {
		return provider.ResourceStatus{}, fmt.Errorf("resource id is required")
	}
	var reply statusReply
	if err := c.http.Do(ctx, http.MethodGet, "/v1/resources/"+url.PathEscape(id), nil, nil, &reply); err != nil {
		return provider.ResourceStatus{}, err
	}
	deployment, err := provider.ParseDeploymentState(reply.DeploymentState)
	if err != nil {
		return provider.ResourceStatus{}, err
	}
	connection, err := provider.ParseConnectionStatus(reply.ConnectionStatus)
	if err != nil {
		return provider.ResourceStatus{}, err
	}
	return provider.ResourceStatus{Deployment: deployment, Connection: connection, Message: reply.Message}, nil
}

type serversReply struct {
	Servers []string `json:"servers"`
}

func (c *Client) ListServers(ctx context.Context, hints provider.BrokerHints) ([]string, error) {
	query := url.Values{}
	if family := strings.TrimSpace(hints.Family); family != "" {
		query.Set("family", family)
	}
	var reply serversReply
	if err := c.http.Do(ctx, http.MethodGet, "/v1/servers", query, nil, &reply); err != nil {
		return nil, err
	}
	return reply.Servers, nil
}
