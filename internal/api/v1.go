package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type ProviderHealth struct {
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransitionAt    time.Time `json:"last_transition_at"`
}

type HealthResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Status        string          `json:"status"`
	Bridge        *ProviderHealth `json:"bridge,omitempty"`
}

// ConnectionState is the wire form of one (account, kind) snapshot. The
// attempt token stays inside the daemon.
type ConnectionState struct {
	AccountID          string    `json:"account_id"`
	Kind               string    `json:"kind"`
	Phase              string    `json:"phase"`
	Detail             string    `json:"detail,omitempty"`
	ExternalResourceID string    `json:"external_resource_id,omitempty"`
	Progress           int       `json:"progress"`
	PushCompleted      bool      `json:"push_completed,omitempty"`
	TimedOut           bool      `json:"timed_out,omitempty"`
	Pending            string    `json:"pending,omitempty"`
	Suggestions        []string  `json:"suggestions,omitempty"`
	ErrorKind          string    `json:"error_kind,omitempty"`
	Version            int64     `json:"version"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
	LastUpdateSource   string    `json:"last_update_source"`
}

// StateEnvelope answers every connection operation. Stale is set when the
// request was superseded by a newer attempt and State is the current snapshot.
type StateEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	State         ConnectionState `json:"state"`
	Stale         bool            `json:"stale,omitempty"`
}

type StatesEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	States        []ConnectionState `json:"states"`
}

type Transition struct {
	FromPhase  string    `json:"from_phase"`
	ToPhase    string    `json:"to_phase"`
	Progress   int       `json:"progress"`
	Source     string    `json:"source"`
	Detail     string    `json:"detail,omitempty"`
	Version    int64     `json:"version"`
	RecordedAt time.Time `json:"recorded_at"`
}

type TransitionsEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	AccountID     string       `json:"account_id"`
	Kind          string       `json:"kind"`
	Transitions   []Transition `json:"transitions"`
}

type CredentialsRequest struct {
	APIID   string `json:"api_id"`
	APIHash string `json:"api_hash"`
	Phone   string `json:"phone"`
}

type CodeRequest struct {
	Code string `json:"code"`
}

type PasswordRequest struct {
	Password string `json:"password"`
}

type CreateRequest struct {
	AccountNumber string `json:"account_number"`
	Password      string `json:"password"`
	Server        string `json:"server"`
	Platform      string `json:"platform,omitempty"`
	BrokerFamily  string `json:"broker_family,omitempty"`
}

type PushResponse struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Accepted      bool             `json:"accepted"`
	State         *ConnectionState `json:"state,omitempty"`
}

// WatchLine is one JSONL record of /v1/watch. Type is "reset" when the client
// cursor belongs to another stream, "snapshot" for the initial states and
// "update" for every applied write afterwards.
type WatchLine struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	EmittedAt     time.Time        `json:"emitted_at"`
	StreamID      string           `json:"stream_id"`
	Cursor        string           `json:"cursor"`
	Type          string           `json:"type"`
	Sequence      int64            `json:"sequence"`
	Filters       map[string]any   `json:"filters,omitempty"`
	State         *ConnectionState `json:"state,omitempty"`
}
