package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dfrysinger/hatchery/internal/manifest"
)

func TestValidateChatToken_EmptyIsInvalidWithoutNetworkCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL}
	status := c.ValidateChatToken(context.Background(), manifest.PlatformTelegram, "")
	if status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", status)
	}
	if called {
		t.Fatal("expected no network call for an empty token")
	}
}

func TestValidateChatToken_TelegramOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"result":{"id":1}}`))
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL}
	status := c.ValidateChatToken(context.Background(), manifest.PlatformTelegram, "tok")
	if status != StatusOK {
		t.Fatalf("expected ok, got %s", status)
	}
}

func TestValidateChatToken_TelegramRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()
	c := &Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL}
	status := c.ValidateChatToken(context.Background(), manifest.PlatformTelegram, "tok")
	if status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", status)
	}
}

func TestValidateChatToken_TelegramUnreachableOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := &Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL}
	status := c.ValidateChatToken(context.Background(), manifest.PlatformTelegram, "tok")
	if status != StatusUnreachable {
		t.Fatalf("expected unreachable, got %s", status)
	}
}

func TestValidateChatToken_DiscordOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"123"}`))
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), DiscordURL: srv.URL}
	status := c.ValidateChatToken(context.Background(), manifest.PlatformDiscord, "tok")
	if status != StatusOK {
		t.Fatalf("expected ok, got %s", status)
	}
}

func TestValidateChatToken_DiscordInvalidOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := &Client{HTTP: srv.Client(), DiscordURL: srv.URL}
	status := c.ValidateChatToken(context.Background(), manifest.PlatformDiscord, "bad")
	if status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", status)
	}
}

func TestValidateAPIKey_AnthropicOAuthTrustedWithoutCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()
	c := &Client{HTTP: srv.Client()}
	status := c.ValidateAPIKey(context.Background(), "anthropic", "sk-ant-oat-deadbeef")
	if status != StatusTrustedWithoutCall {
		t.Fatalf("expected trusted_without_call, got %s", status)
	}
	if called {
		t.Fatal("expected no network call for an OAuth token")
	}
}

func TestValidateAPIKey_EmptyIsInvalid(t *testing.T) {
	c := NewClient()
	status := c.ValidateAPIKey(context.Background(), "openai", "")
	if status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", status)
	}
}

func TestAuthHeader(t *testing.T) {
	cases := []struct {
		provider, key, wantName string
	}{
		{"anthropic", "sk-ant-api-xyz", "x-api-key"},
		{"anthropic", "sk-ant-oat-xyz", "Authorization"},
		{"openai", "sk-proj-xyz", "Authorization"},
		{"google", "AIzaXYZ", "?key"},
	}
	for _, tc := range cases {
		name, _ := AuthHeader(tc.provider, tc.key)
		if name != tc.wantName {
			t.Errorf("AuthHeader(%q, %q) name = %q, want %q", tc.provider, tc.key, name, tc.wantName)
		}
	}
}

func TestFindWorkingChatToken_DeclarationOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Path
		if token == "/botgood/getMe" {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), TelegramBaseURL: srv.URL}
	agents := []manifest.Agent{
		{ID: "first", IsolationGroup: "g", TelegramToken: "bad"},
		{ID: "second", IsolationGroup: "g", TelegramToken: "good"},
		{ID: "other-group", IsolationGroup: "h", TelegramToken: "good"},
	}
	found, ok := c.FindWorkingChatToken(context.Background(), manifest.PlatformTelegram, agents, "g")
	if !ok {
		t.Fatal("expected a working token to be found")
	}
	if found.AgentID != "second" {
		t.Fatalf("expected second agent's token to win, got %q", found.AgentID)
	}
}

func TestProviderOrder_PreferredFirstThenFallback(t *testing.T) {
	order := providerOrder("google")
	want := []string{"google", "anthropic", "openai"}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v want %v", order, want)
		}
	}
}

func TestProviderOrder_NoDuplicateWhenPreferredInFallback(t *testing.T) {
	order := providerOrder("anthropic")
	if len(order) != 3 {
		t.Fatalf("expected 3 distinct providers, got %v", order)
	}
}
