package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dfrysinger/hatchery/internal/credentials"
	"github.com/dfrysinger/hatchery/internal/manifest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okTelegramServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
}

func TestNotify_PrefersSafeModeAgentsOverManifestAgents(t *testing.T) {
	srv := okTelegramServer(t)
	defer srv.Close()

	safeModeAgents := []manifest.Agent{{ID: "safe-mode", IsolationGroup: "default", TelegramToken: "safe-tok"}}
	manifestAgents := []manifest.Agent{{ID: "scout", IsolationGroup: "default", TelegramToken: "manifest-tok"}}

	var sentTokens []string
	s := &Sender{
		Credentials: &credentials.Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL},
		Logger:      discardLogger(),
		SendTelegram: func(token, chatID, text string) error {
			sentTokens = append(sentTokens, token)
			return nil
		},
	}

	err := s.Notify(context.Background(), "alert", safeModeAgents, manifestAgents, "default", "12345", "")
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(sentTokens) != 1 || sentTokens[0] != "safe-tok" {
		t.Fatalf("expected safe-mode token to be preferred, got %v", sentTokens)
	}
}

func TestNotify_FallsBackToManifestAgentsWhenSafeModeUnavailable(t *testing.T) {
	srv := okTelegramServer(t)
	defer srv.Close()

	manifestAgents := []manifest.Agent{{ID: "scout", IsolationGroup: "default", TelegramToken: "manifest-tok"}}

	var sentTokens []string
	s := &Sender{
		Credentials: &credentials.Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL},
		Logger:      discardLogger(),
		SendTelegram: func(token, chatID, text string) error {
			sentTokens = append(sentTokens, token)
			return nil
		},
	}

	err := s.Notify(context.Background(), "alert", nil, manifestAgents, "default", "12345", "")
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(sentTokens) != 1 || sentTokens[0] != "manifest-tok" {
		t.Fatalf("expected manifest token fallback, got %v", sentTokens)
	}
}

func TestNotify_NoWorkingTokenFailsSilently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	manifestAgents := []manifest.Agent{{ID: "scout", IsolationGroup: "default", TelegramToken: "broken"}}

	s := &Sender{
		Credentials:  &credentials.Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL},
		Logger:       discardLogger(),
		SendTelegram: func(token, chatID, text string) error { return errors.New("should not be called") },
	}

	err := s.Notify(context.Background(), "alert", nil, manifestAgents, "default", "12345", "")
	if err != nil {
		t.Fatalf("expected Notify to fail silently (nil error), got: %v", err)
	}
}
