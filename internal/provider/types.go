// Package provider holds the boundary types exchanged with the messaging-source
// provider, the trading-bridge provider and the push channel. Raw provider status
// strings are mapped here onto closed enums; anything unrecognised is an error.
package provider

import (
	"fmt"
	"strings"
	"time"
)

type Credentials struct {
	APIID   string
	APIHash string
	Phone   string
}

type MessagingStatus string

const (
	MessagingOK               MessagingStatus = "ok"
	MessagingCodeSent         MessagingStatus = "code_sent"
	MessagingConnected        MessagingStatus = "connected"
	MessagingPasswordRequired MessagingStatus = "password_required"
	MessagingInvalidCode      MessagingStatus = "invalid_code"
	MessagingInvalidPassword  MessagingStatus = "invalid_password"
	MessagingFailed           MessagingStatus = "error"
)

func ParseMessagingStatus(raw string) (MessagingStatus, error) {
	switch normalize(raw) {
	case "ok", "success":
		return MessagingOK, nil
	case "code_sent", "sent":
		return MessagingCodeSent, nil
	case "connected", "authorized":
		return MessagingConnected, nil
	case "password_required", "2fa_required", "session_password_needed":
		return MessagingPasswordRequired, nil
	case "invalid_code", "code_invalid", "phone_code_invalid":
		return MessagingInvalidCode, nil
	case "invalid_password", "password_invalid":
		return MessagingInvalidPassword, nil
	case "error", "failed", "failure":
		return MessagingFailed, nil
	default:
		return "", fmt.Errorf("unrecognized messaging status %q", raw)
	}
}

type MessagingReply struct {
	Status  MessagingStatus
	Message string
}

type ConnectionCheck struct {
	Connected     bool
	ChannelsCount int
	Message       string
}

type Platform string

const (
	PlatformMT4 Platform = "mt4"
	PlatformMT5 Platform = "mt5"
)

func ParsePlatform(raw string) (Platform, error) {
	switch normalize(raw) {
	case "", "mt5":
		return PlatformMT5, nil
	case "mt4":
		return PlatformMT4, nil
	default:
		return "", fmt.Errorf("unsupported platform %q", raw)
	}
}

// BrokerHints narrows the server catalog to one broker family, e.g. "ICMarkets".
type BrokerHints struct {
	Family string
}

type DeploymentState string

const (
	DeploymentDeploying   DeploymentState = "deploying"
	DeploymentDeployed    DeploymentState = "deployed"
	DeploymentUndeploying DeploymentState = "undeploying"
	DeploymentUndeployed  DeploymentState = "undeployed"
	DeploymentFailed      DeploymentState = "deploy_failed"
)

func ParseDeploymentState(raw string) (DeploymentState, error) {
	switch normalize(raw) {
	case "deploying", "created", "creating":
		return DeploymentDeploying, nil
	case "deployed":
		return DeploymentDeployed, nil
	case "undeploying":
		return DeploymentUndeploying, nil
	case "undeployed":
		return DeploymentUndeployed, nil
	case "deploy_failed", "failed":
		return DeploymentFailed, nil
	default:
		return "", fmt.Errorf("unrecognized deployment state %q", raw)
	}
}

type ConnectionStatus string

const (
	ConnectionUnknown                ConnectionStatus = ""
	ConnectionConnected              ConnectionStatus = "connected"
	ConnectionDisconnected           ConnectionStatus = "disconnected"
	ConnectionDisconnectedFromBroker ConnectionStatus = "disconnected_from_broker"
)

// ParseConnectionStatus accepts an empty value as ConnectionUnknown since
// providers omit it until deployment finishes.
func ParseConnectionStatus(raw string) (ConnectionStatus, error) {
	switch normalize(raw) {
	case "":
		return ConnectionUnknown, nil
	case "connected":
		return ConnectionConnected, nil
	case "disconnected":
		return ConnectionDisconnected, nil
	case "disconnected_from_broker":
		return ConnectionDisconnectedFromBroker, nil
	default:
		return "", fmt.Errorf("unrecognized connection status %q", raw)
	}
}

type CreateRequest struct {
	AccountID     string
	JobID         string
	AccountNumber string
	Password      string
	Server        string
	Platform      Platform
	Hints         BrokerHints
}

// ErrorCodeServerNotFound is the provider error code for an unknown broker server.
const ErrorCodeServerNotFound = "server_not_found"

type CreateReply struct {
	Success          bool
	ResourceID       string
	Deployment       DeploymentState
	Connection       ConnectionStatus
	SuggestedServers []string
	ErrorCode        string
	Message          string
}

func (r CreateReply) ServerNotFound() bool {
	return !r.Success && normalize(r.ErrorCode) == ErrorCodeServerNotFound
}

type ResourceStatus struct {
	Deployment DeploymentState
	Connection ConnectionStatus
	Message    string
}

type PushStatus string

const (
	PushInProgress PushStatus = "in_progress"
	PushComplete   PushStatus = "complete"
	PushError      PushStatus = "error"
)

func ParsePushStatus(raw string) (PushStatus, error) {
	switch normalize(raw) {
	case "in_progress", "progress", "running":
		return PushInProgress, nil
	case "complete", "completed", "done":
		return PushComplete, nil
	case "error", "failed":
		return PushError, nil
	default:
		return "", fmt.Errorf("unrecognized push status %q", raw)
	}
}

// PushEvent is one out-of-band deployment progress notification. JobID carries
// the attempt token when the provider echoes it; AccountID carries the user id.
type PushEvent struct {
	AccountID  string
	JobID      string
	ResourceID string
	Progress   int
	Status     PushStatus
	Message    string
	ReceivedAt time.Time
}

func normalize(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, "-", "_")
	v = strings.ReplaceAll(v, " ", "_")
	return v
}
