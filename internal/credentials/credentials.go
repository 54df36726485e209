// Package credentials validates chat and LLM provider credentials and
// discovers working ones (spec §4.B). It is pure: no shared process
// state beyond what is passed in, so it can be called from the boot
// orchestrator, the E2E probe, and the safe-mode handler alike.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dfrysinger/hatchery/internal/manifest"
)

// Status is the outcome of a single credential probe.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusInvalid             Status = "invalid"
	StatusUnreachable         Status = "unreachable"
	StatusTrustedWithoutCall  Status = "trusted_without_call"
)

// Client performs the network calls behind credential validation. A
// default http.Client-backed implementation is provided via NewClient;
// tests override TelegramBaseURL/DiscordURL to point at a local server.
type Client struct {
	HTTP           *http.Client
	TelegramBaseURL string // "https://api.telegram.org" by default
	DiscordURL      string // "https://discord.com/api/v10/users/@me" by default
}

func NewClient() *Client {
	return &Client{
		HTTP:            &http.Client{Timeout: 10 * time.Second},
		TelegramBaseURL: "https://api.telegram.org",
		DiscordURL:      discordAPIBase,
	}
}

const discordAPIBase = "https://discord.com/api/v10/users/@me"

// ValidateChatToken implements spec §4.B.1. Telegram calls getMe and
// requires ok=true; Discord calls users/@me with "Bot <token>" and
// requires HTTP 200 plus a non-empty id. Empty/malformed tokens never
// reach the network.
func (c *Client) ValidateChatToken(ctx context.Context, platform manifest.Platform, token string) Status {
	if strings.TrimSpace(token) == "" {
		return StatusInvalid
	}

	switch platform {
	case manifest.PlatformTelegram:
		return c.validateTelegram(ctx, token)
	case manifest.PlatformDiscord:
		return c.validateDiscord(ctx, token)
	default:
		return StatusInvalid
	}
}

func (c *Client) validateTelegram(ctx context.Context, token string) Status {
	base := c.TelegramBaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return c.validateTelegramAt(ctx, fmt.Sprintf("%s/bot%s/getMe", base, token))
}

func (c *Client) validateTelegramAt(ctx context.Context, url string) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnreachable
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return StatusUnreachable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusUnreachable
	}

	if resp.StatusCode >= 500 {
		return StatusUnreachable
	}

	var reply struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return StatusUnreachable
	}
	if !reply.OK {
		return StatusInvalid
	}
	return StatusOK
}

func (c *Client) validateDiscord(ctx context.Context, token string) Status {
	url := c.DiscordURL
	if url == "" {
		url = discordAPIBase
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnreachable
	}
	req.Header.Set("Authorization", "Bot "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return StatusUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return StatusUnreachable
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return StatusInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return StatusUnreachable
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusUnreachable
	}
	var reply struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || reply.ID == "" {
		return StatusInvalid
	}
	return StatusOK
}

// providerValidationEndpoint holds the provider-specific URL used to
// validate an API key, keyed by provider label.
var providerValidationEndpoint = map[string]string{
	"anthropic": "https://api.anthropic.com/v1/models",
	"openai":    "https://api.openai.com/v1/models",
	"google":    "https://generativelanguage.googleapis.com/v1beta/models",
}

// anthropicOAuthPrefix identifies an Anthropic OAuth token, which the
// provider's validation endpoint rejects by design (spec §4.B.2, §9
// Open Question — kept as specified; see DESIGN.md).
const anthropicOAuthPrefix = "sk-ant-oat"

// ValidateAPIKey implements spec §4.B.2.
func (c *Client) ValidateAPIKey(ctx context.Context, provider, key string) Status {
	if strings.TrimSpace(key) == "" {
		return StatusInvalid
	}
	if provider == "anthropic" && strings.HasPrefix(key, anthropicOAuthPrefix) {
		return StatusTrustedWithoutCall
	}

	endpoint, ok := providerValidationEndpoint[provider]
	if !ok {
		return StatusUnreachable
	}

	name, value := AuthHeader(provider, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusUnreachable
	}
	applyAuth(req, provider, name, value)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return StatusUnreachable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return StatusOK
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusInvalid
	case resp.StatusCode >= 500:
		return StatusUnreachable
	default:
		return StatusUnreachable
	}
}

// AuthHeader centralizes the provider/OAuth-vs-API-key auth header
// decision (spec §4.B.3, §9 "Centralize this decision in one function").
// OAuth tokens (Anthropic's sk-ant-oat prefix) go as Bearer; the
// Anthropic API key goes in x-api-key; OpenAI goes as Bearer; Google
// goes as a query parameter (signalled by returning name "?key").
func AuthHeader(provider, key string) (name, value string) {
	if provider == "anthropic" && strings.HasPrefix(key, anthropicOAuthPrefix) {
		return "Authorization", "Bearer " + key
	}
	switch provider {
	case "anthropic":
		return "x-api-key", key
	case "google":
		return "?key", key
	default: // openai and anything else goes Bearer
		return "Authorization", "Bearer " + key
	}
}

func applyAuth(req *http.Request, provider, name, value string) {
	if name == "?key" {
		q := req.URL.Query()
		q.Set("key", value)
		req.URL.RawQuery = q.Encode()
		return
	}
	req.Header.Set(name, value)
}

// WorkingChatToken is the result of FindWorkingChatToken.
type WorkingChatToken struct {
	AgentID string
	Token   string
}

// FindWorkingChatToken implements spec §4.B.4: iterates agent tokens
// restricted to agents whose isolation group equals groupFilter, in
// declaration order, returning the first token that validates ok.
func (c *Client) FindWorkingChatToken(ctx context.Context, platform manifest.Platform, agents []manifest.Agent, groupFilter string) (*WorkingChatToken, bool) {
	for _, a := range agents {
		if a.IsolationGroup != groupFilter {
			continue
		}
		token := tokenFor(a, platform)
		if token == "" {
			continue
		}
		if c.ValidateChatToken(ctx, platform, token) == StatusOK {
			return &WorkingChatToken{AgentID: a.ID, Token: token}, true
		}
	}
	return nil, false
}

func tokenFor(a manifest.Agent, platform manifest.Platform) string {
	switch platform {
	case manifest.PlatformTelegram:
		return a.TelegramToken
	case manifest.PlatformDiscord:
		return a.DiscordToken
	default:
		return ""
	}
}

// ProviderContext is the result of FindWorkingProvider, used to build
// a RecoveryContext (spec §3).
type ProviderContext struct {
	Provider string
	Key      string
	IsOAuth  bool
}

// fallbackProviderOrder is the fixed fallback order from spec §4.B
// ("Tie-break & ordering"): preferred, then anthropic, openai, google.
var fallbackProviderOrder = []string{"anthropic", "openai", "google"}

// FindWorkingProvider implements spec §4.B.5. For each provider in
// (preferred, then the fixed fallback order, deduplicated) it validates
// the single key providerKeys holds for that provider; no separate OAuth
// profile is looked up, and IsOAuth only reflects whether that key has
// the Anthropic OAuth prefix. trusted_without_call counts as working.
func (c *Client) FindWorkingProvider(ctx context.Context, preferred string, providerKeys map[string]string) (*ProviderContext, bool) {
	order := providerOrder(preferred)
	for _, provider := range order {
		key, ok := providerKeys[provider]
		if !ok || key == "" {
			continue
		}
		status := c.ValidateAPIKey(ctx, provider, key)
		if status == StatusOK || status == StatusTrustedWithoutCall {
			return &ProviderContext{
				Provider: provider,
				Key:      key,
				IsOAuth:  strings.HasPrefix(key, anthropicOAuthPrefix),
			}, true
		}
	}
	return nil, false
}

func providerOrder(preferred string) []string {
	var order []string
	seen := make(map[string]bool)
	if preferred != "" {
		order = append(order, preferred)
		seen[preferred] = true
	}
	for _, p := range fallbackProviderOrder {
		if !seen[p] {
			order = append(order, p)
			seen[p] = true
		}
	}
	return order
}
