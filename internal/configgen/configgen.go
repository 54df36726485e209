// Package configgen is the single source of truth for GatewayConfig JSON
// (spec §4.D). It builds config structurally (never via string
// interpolation), parses its own output before writing, and writes with
// the temp-file-then-rename protocol every mode shares.
package configgen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dfrysinger/hatchery/internal/manifest"
)

// Mode selects which subset of agents/channels/env a GatewayConfig carries.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeSession  Mode = "session"
	ModeSafeMode Mode = "safe_mode"
	ModeMinimal  Mode = "minimal"
	ModeEmergency Mode = "emergency"
)

// Gateway is the gateway.* block. Bind is always loopback (spec §9:
// "Loopback bind is non-negotiable") — no mode, caller, or field may
// override it; NewGatewayConfig hardcodes it.
type Gateway struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
	Auth Auth   `json:"auth"`
}

type Auth struct {
	Token string `json:"token"`
}

// Account is one channel account entry, keyed by agent id (never "default").
type Account struct {
	BotToken string `json:"bot_token"`
}

type Channels struct {
	Telegram ChannelAccounts `json:"telegram"`
	Discord  ChannelAccounts `json:"discord"`
}

type ChannelAccounts struct {
	Accounts map[string]Account `json:"accounts"`
}

// AgentDescriptor is one entry of agents.list[].
type AgentDescriptor struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

type AgentsList struct {
	List []AgentDescriptor `json:"list"`
}

// GatewayConfig is the canonical JSON artifact consumed by the gateway
// (spec §3).
type GatewayConfig struct {
	Gateway  Gateway           `json:"gateway"`
	Channels Channels          `json:"channels"`
	Agents   AgentsList        `json:"agents"`
	Env      map[string]string `json:"env"`
}

const loopbackBind = "127.0.0.1"

// Options bundles the inputs needed to assemble a config (spec §4.D
// "Assembly steps").
type Options struct {
	Mode         Mode
	Port         int
	Group        string // used to filter agents when Mode == ModeSession
	Agents       []manifest.Agent
	Platform     manifest.Platform
	ExistingAuthToken string // reused verbatim if non-empty (spec: "regenerated only if absent")
	ProviderOf   map[string]string // agent id -> provider label, for agents.list[].provider
}

// Generate assembles a GatewayConfig per spec §4.D's four assembly
// steps, identical across modes except for which agents/channels/env
// subset each mode includes.
func Generate(opts Options) (*GatewayConfig, error) {
	authToken := opts.ExistingAuthToken
	if authToken == "" {
		var err error
		authToken, err = randomToken()
		if err != nil {
			return nil, fmt.Errorf("configgen: generate auth token: %w", err)
		}
	}

	cfg := &GatewayConfig{
		Gateway: Gateway{
			Bind: loopbackBind,
			Port: opts.Port,
			Auth: Auth{Token: authToken},
		},
		Channels: Channels{
			Telegram: ChannelAccounts{Accounts: map[string]Account{}},
			Discord:  ChannelAccounts{Accounts: map[string]Account{}},
		},
		Env: map[string]string{},
	}

	agents := opts.Agents
	if opts.Mode == ModeSession {
		agents = filterByGroup(agents, opts.Group)
	}

	for _, a := range agents {
		if a.ID == "default" {
			return nil, fmt.Errorf("configgen: agent id %q is reserved", "default")
		}
		if a.TelegramToken != "" {
			cfg.Channels.Telegram.Accounts[a.ID] = Account{BotToken: a.TelegramToken}
		}
		if a.DiscordToken != "" {
			cfg.Channels.Discord.Accounts[a.ID] = Account{BotToken: a.DiscordToken}
		}

		provider := opts.ProviderOf[a.ID]
		cfg.Agents.List = append(cfg.Agents.List, AgentDescriptor{
			ID:       a.ID,
			Model:    a.Model,
			Provider: provider,
		})

		for k, v := range a.ProviderKeys {
			envKey := fmt.Sprintf("%s_%s_KEY", a.ID, k)
			decoded, err := decodeEnvSecret(v)
			if err != nil {
				return nil, fmt.Errorf("configgen: decode provider secret for agent %q provider %q: %w", a.ID, k, err)
			}
			cfg.Env[envKey] = decoded
		}
	}

	if err := validateAccountKeys(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func filterByGroup(agents []manifest.Agent, group string) []manifest.Agent {
	var out []manifest.Agent
	for _, a := range agents {
		if a.IsolationGroup == group {
			out = append(out, a)
		}
	}
	return out
}

// validateAccountKeys enforces the invariant from spec §3: channel
// account keys form a subset of agents.list[].id, and "default" is
// never a valid key.
func validateAccountKeys(cfg *GatewayConfig) error {
	ids := make(map[string]bool, len(cfg.Agents.List))
	for _, a := range cfg.Agents.List {
		ids[a.ID] = true
	}
	for key := range cfg.Channels.Telegram.Accounts {
		if key == "default" {
			return fmt.Errorf("configgen: account key %q is reserved", "default")
		}
		if !ids[key] {
			return fmt.Errorf("configgen: telegram account key %q is not a known agent id", key)
		}
	}
	for key := range cfg.Channels.Discord.Accounts {
		if key == "default" {
			return fmt.Errorf("configgen: account key %q is reserved", "default")
		}
		if !ids[key] {
			return fmt.Errorf("configgen: discord account key %q is not a known agent id", key)
		}
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// decodeEnvSecret decodes a provider secret from its base64 transport
// encoding into its runtime value (spec §4.D step 4). Secrets that are
// not valid base64 are passed through unchanged — manifests may carry
// plaintext secrets in test/dev environments.
func decodeEnvSecret(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return v, nil
	}
	return string(decoded), nil
}

// WriteAtomic writes cfg to path using the write-temp/fsync/rename
// protocol from spec §4.D ("Write protocol"), preserving any previous
// file with a .pre-recovery suffix. It parses its own marshaled output
// before writing and refuses on parse failure (spec: "programming
// error").
func WriteAtomic(path string, cfg *GatewayConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("configgen: marshal: %w", err)
	}

	var roundTrip GatewayConfig
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		return fmt.Errorf("configgen: refusing to write: self-generated config fails to parse: %w", err)
	}

	return WriteFileAtomic(path, data)
}

// WriteFileAtomic is the temp-file-then-rename protocol itself (spec
// §4.D "Write protocol", reused verbatim by §4.K's "writes uploaded
// files atomically"): write to a sibling temp file, fsync it, preserve
// any existing file at path under a .pre-recovery suffix, then rename
// the temp file into place. A caller is never left with a partial
// write at path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("configgen: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".configgen-*.tmp")
	if err != nil {
		return fmt.Errorf("configgen: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("configgen: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("configgen: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("configgen: close temp file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".pre-recovery"); err != nil {
			return fmt.Errorf("configgen: preserve previous file: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("configgen: rename into place: %w", err)
	}
	return nil
}

// Load reads and parses a GatewayConfig from disk.
func Load(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configgen: read %s: %w", path, err)
	}
	var cfg GatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("configgen: parse %s: %w", path, err)
	}
	return &cfg, nil
}
