package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/g960059/sigbridge/internal/provider"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(provider.HTTPOptions{BaseURL: srv.URL, Client: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestRequestCodePostsCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct-1/session/code", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["api_id"] != "12345" || body["api_hash"] != "hash" || body["phone"] != "+15551234567" {
			t.Fatalf("unexpected body %+v", body)
		}
		_, _ = io.WriteString(w, `{"status":"code_sent","message":"Code sent"}`)
	})
	client := newTestClient(t, mux)

	reply, err := client.RequestCode(context.Background(), "acct-1", provider.Credentials{APIID: "12345", APIHash: "hash", Phone: "+15551234567"})
	if err != nil {
		t.Fatalf("request code: %v", err)
	}
	if reply.Status != provider.MessagingCodeSent || reply.Message != "Code sent" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestVerifyCodeMapsPasswordRequired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct-1/session/verify-code", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"SESSION_PASSWORD_NEEDED"}`)
	})
	client := newTestClient(t, mux)

	reply, err := client.VerifyCode(context.Background(), "acct-1", "12345")
	if err != nil {
		t.Fatalf("verify code: %v", err)
	}
	if reply.Status != provider.MessagingPasswordRequired {
		t.Fatalf("expected password_required, got %q", reply.Status)
	}
}

func TestVerifyPasswordRejectsUnknownStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct-1/session/verify-password", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status":"pending_review"}`)
	})
	client := newTestClient(t, mux)

	if _, err := client.VerifyPassword(context.Background(), "acct-1", "pw"); err == nil {
		t.Fatalf("expected unrecognized status error")
	}
}

func TestCheckConnection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct-1/session/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"connected":true,"channels_count":4}`)
	})
	client := newTestClient(t, mux)

	check, err := client.CheckConnection(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("check connection: %v", err)
	}
	if !check.Connected || check.ChannelsCount != 4 {
		t.Fatalf("unexpected check %+v", check)
	}
}

func TestProviderErrorSurfacesMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct-1/session/code", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"PHONE_NUMBER_BANNED"}`)
	})
	client := newTestClient(t, mux)

	_, err := client.RequestCode(context.Background(), "acct-1", provider.Credentials{APIID: "1", APIHash: "h", Phone: "+15551234567"})
	var reqErr *provider.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if provider.Message(err) != "PHONE_NUMBER_BANNED" {
		t.Fatalf("unexpected message %q", provider.Message(err))
	}
}

func TestEmptyAccountIDRejected(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())
	if _, err := client.CheckConnection(context.Background(), " "); err == nil {
		t.Fatalf("expected account id error")
	}
}
