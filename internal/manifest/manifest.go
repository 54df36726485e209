// Package manifest decodes the opaque input manifest (base64 of JSON)
// into a flat, ordered env record plus a structured Agent list (spec
// §4.A). It never mutates its input and never retains partial state on
// a rejected decode.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Platform is the chat transport vocabulary used throughout the Core.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformBoth     Platform = "both"
)

// Isolation is the isolation-mode vocabulary (spec §3).
type Isolation string

const (
	IsolationNone      Isolation = "none"
	IsolationSession   Isolation = "session"
	IsolationContainer Isolation = "container"
)

var isolationGroupLabel = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Agent mirrors spec §3's Agent record.
type Agent struct {
	ID              string            `json:"id"`
	IsolationGroup  string            `json:"isolation_group,omitempty"`
	Isolation       Isolation         `json:"isolation,omitempty"`
	Model           string            `json:"model"`
	TelegramToken   string            `json:"-"`
	DiscordToken    string            `json:"-"`
	ProviderKeys    map[string]string `json:"-"`
	Identity        string            `json:"-"`
	Persona         string            `json:"-"`
	Boot            string            `json:"-"`
	Bootstrap       string            `json:"-"`
	UserContext     string            `json:"-"`
	PotentiallyUnverifiable bool      `json:"-"`
}

// Warning records a soft/non-fatal condition encountered while decoding.
type Warning struct {
	Field   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

// Env is the flat, ordered env record produced by parsing the manifest.
type Env struct {
	Name             string
	Platform         Platform
	Isolation        Isolation
	SharedPaths      []string
	APIBindAddress   string
	APISecret        string
	DestructMinutes  int
	TelegramOwnerID  string
	DiscordOwnerID   string
	Agents           []Agent
	Warnings         []Warning
}

// wireManifest is the raw JSON shape decoded from HABITAT_B64/AGENT_LIB_B64.
type wireManifest struct {
	Name            string            `json:"name"`
	Platform        string            `json:"platform"`
	Isolation       string            `json:"isolation"`
	SharedPaths     []string          `json:"shared_paths"`
	APIBindAddress  string            `json:"api_bind_address"`
	APISecret       string            `json:"api_secret"`
	DestructMinutes *int              `json:"destruct_minutes"`
	ProviderKeys    map[string]string `json:"provider_keys"`
	Platforms       wirePlatforms     `json:"platforms"`
	Agents          []wireAgent       `json:"agents"`
}

type wirePlatforms struct {
	Telegram wirePlatformCfg `json:"telegram"`
	Discord  wirePlatformCfg `json:"discord"`
}

type wirePlatformCfg struct {
	OwnerID string `json:"owner_id"`
}

type wireAgent struct {
	ID             string            `json:"id"`
	IsolationGroup string            `json:"isolation_group"`
	Isolation      string            `json:"isolation"`
	Network        string            `json:"network"`
	Model          string            `json:"model"`
	Tokens         wireTokens        `json:"tokens"`
	ProviderKeys   map[string]string `json:"provider_keys"`
	Identity       string            `json:"identity"`
	Persona        string            `json:"persona"`
	Boot           string            `json:"boot"`
	Bootstrap      string            `json:"bootstrap"`
	UserContext    string            `json:"user_context"`
}

type wireTokens struct {
	Telegram string `json:"telegram"`
	Discord  string `json:"discord"`
}

// Parse decodes manifest bytes (base64 of JSON) per spec §4.A. It rejects
// non-base64, non-JSON, missing name, empty agents, any agent missing an
// id, any id == "default", an inconsistent isolation/network combination,
// and non-alphanumeric-or-hyphen isolation group labels. Soft issues
// (missing owner_id for a configured platform, missing per-agent
// provider secrets) do not reject the manifest; they are recorded in
// Env.Warnings. Unknown fields are dropped by the JSON decoder and
// produce no warning.
func Parse(raw []byte) (*Env, error) {
	jsonBytes, err := decodeBase64(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	var wire wireManifest
	if err := json.Unmarshal(jsonBytes, &wire); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}

	if wire.Name == "" {
		return nil, fmt.Errorf("manifest: missing required field %q", "name")
	}
	if len(wire.Agents) == 0 {
		return nil, fmt.Errorf("manifest: agents[] must not be empty")
	}

	env := &Env{
		Name:           wire.Name,
		Platform:       Platform(orDefault(wire.Platform, string(PlatformTelegram))),
		Isolation:      Isolation(orDefault(wire.Isolation, string(IsolationNone))),
		SharedPaths:    wire.SharedPaths,
		APIBindAddress: wire.APIBindAddress,
		APISecret:      wire.APISecret,
		TelegramOwnerID: wire.Platforms.Telegram.OwnerID,
		DiscordOwnerID:  wire.Platforms.Discord.OwnerID,
	}

	if wire.DestructMinutes != nil {
		if *wire.DestructMinutes < 0 {
			return nil, fmt.Errorf("manifest: destruct_minutes must be non-negative")
		}
		env.DestructMinutes = *wire.DestructMinutes
	}

	seenIDs := make(map[string]bool, len(wire.Agents))
	for i, wa := range wire.Agents {
		if wa.ID == "" {
			return nil, fmt.Errorf("manifest: agents[%d] missing required field %q", i, "id")
		}
		if wa.ID == "default" {
			return nil, fmt.Errorf("manifest: agent id %q is reserved and must not be used", "default")
		}
		if seenIDs[wa.ID] {
			return nil, fmt.Errorf("manifest: duplicate agent id %q", wa.ID)
		}
		seenIDs[wa.ID] = true

		isolation := Isolation(orDefault(wa.Isolation, string(env.Isolation)))
		if wa.Network != "" && isolation == IsolationNone {
			return nil, fmt.Errorf("manifest: agent %q sets network %q but isolation is %q", wa.ID, wa.Network, IsolationNone)
		}

		group := orDefault(wa.IsolationGroup, wa.ID)
		if !isolationGroupLabel.MatchString(group) {
			return nil, fmt.Errorf("manifest: agent %q isolation_group %q must be alphanumeric-or-hyphen", wa.ID, group)
		}

		agent := Agent{
			ID:             wa.ID,
			IsolationGroup: group,
			Isolation:      isolation,
			Model:          wa.Model,
			TelegramToken:  wa.Tokens.Telegram,
			DiscordToken:   wa.Tokens.Discord,
			ProviderKeys:   wa.ProviderKeys,
			Identity:       wa.Identity,
			Persona:        wa.Persona,
			Boot:           wa.Boot,
			Bootstrap:      wa.Bootstrap,
			UserContext:    wa.UserContext,
		}

		if (env.Platform == PlatformTelegram || env.Platform == PlatformBoth) && env.TelegramOwnerID == "" {
			env.Warnings = append(env.Warnings, Warning{
				Field:   "platforms.telegram.owner_id",
				Message: fmt.Sprintf("agent %q is unreachable on telegram: no owner_id configured for notifications", wa.ID),
			})
		}
		if (env.Platform == PlatformDiscord || env.Platform == PlatformBoth) && env.DiscordOwnerID == "" {
			env.Warnings = append(env.Warnings, Warning{
				Field:   "platforms.discord.owner_id",
				Message: fmt.Sprintf("agent %q is unreachable on discord: no owner_id configured for notifications", wa.ID),
			})
		}
		if len(agent.ProviderKeys) == 0 {
			if len(wire.ProviderKeys) > 0 {
				agent.ProviderKeys = wire.ProviderKeys
				env.Warnings = append(env.Warnings, Warning{
					Field:   fmt.Sprintf("agents[%d].provider_keys", i),
					Message: fmt.Sprintf("agent %q has no provider keys of its own; inherited %d key(s) from the manifest-level provider_keys", wa.ID, len(wire.ProviderKeys)),
				})
			} else {
				agent.PotentiallyUnverifiable = true
				env.Warnings = append(env.Warnings, Warning{
					Field:   fmt.Sprintf("agents[%d].provider_keys", i),
					Message: fmt.Sprintf("agent %q has no provider keys of its own and the manifest declares no parent default; marked potentially-unverifiable", wa.ID),
				})
			}
		}

		env.Agents = append(env.Agents, agent)
	}

	return env, nil
}

func decodeBase64(raw []byte) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return decoded, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Groups derives the stable, sorted list of isolation group names from an
// agent list (spec §3 IsolationGroup: "numbered stably by sorted name").
func Groups(agents []Agent) []string {
	seen := make(map[string]bool)
	var groups []string
	for _, a := range agents {
		if !seen[a.IsolationGroup] {
			seen[a.IsolationGroup] = true
			groups = append(groups, a.IsolationGroup)
		}
	}
	sort.Strings(groups)
	return groups
}

// AgentsInGroup returns agents belonging to group, preserving declaration order.
func AgentsInGroup(agents []Agent, group string) []Agent {
	var out []Agent
	for _, a := range agents {
		if a.IsolationGroup == group {
			out = append(out, a)
		}
	}
	return out
}
