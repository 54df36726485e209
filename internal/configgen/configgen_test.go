package configgen

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dfrysinger/hatchery/internal/manifest"
)

func sampleAgents() []manifest.Agent {
	return []manifest.Agent{
		{ID: "scout", IsolationGroup: "g1", Model: "anthropic/claude", TelegramToken: "tg-scout"},
		{ID: "herald", IsolationGroup: "g2", Model: "openai/gpt", DiscordToken: "dc-herald"},
	}
}

func TestGenerate_BindIsAlwaysLoopback(t *testing.T) {
	cfg, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: sampleAgents()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if cfg.Gateway.Bind != "127.0.0.1" {
		t.Fatalf("expected loopback bind, got %q", cfg.Gateway.Bind)
	}
}

func TestGenerate_NoDefaultAccountKey(t *testing.T) {
	cfg, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: sampleAgents()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for key := range cfg.Channels.Telegram.Accounts {
		if key == "default" {
			t.Fatal("account key must never be \"default\"")
		}
	}
	for key := range cfg.Channels.Discord.Accounts {
		if key == "default" {
			t.Fatal("account key must never be \"default\"")
		}
	}
}

func TestGenerate_RejectsReservedAgentID(t *testing.T) {
	agents := []manifest.Agent{{ID: "default", IsolationGroup: "g1"}}
	if _, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: agents}); err == nil {
		t.Fatal("expected error for agent id \"default\"")
	}
}

func TestGenerate_AccountKeysSubsetOfAgentIDs(t *testing.T) {
	cfg, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: sampleAgents()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	ids := map[string]bool{}
	for _, a := range cfg.Agents.List {
		ids[a.ID] = true
	}
	for key := range cfg.Channels.Telegram.Accounts {
		if !ids[key] {
			t.Fatalf("account key %q not a known agent id", key)
		}
	}
}

func TestGenerate_SessionModeFiltersByGroup(t *testing.T) {
	cfg, err := Generate(Options{Mode: ModeSession, Port: 9001, Group: "g1", Agents: sampleAgents()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cfg.Agents.List) != 1 || cfg.Agents.List[0].ID != "scout" {
		t.Fatalf("expected only scout in session mode for g1, got %+v", cfg.Agents.List)
	}
}

func TestGenerate_ExistingAuthTokenPreserved(t *testing.T) {
	cfg, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: sampleAgents(), ExistingAuthToken: "keep-me"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if cfg.Gateway.Auth.Token != "keep-me" {
		t.Fatalf("expected auth token to be preserved, got %q", cfg.Gateway.Auth.Token)
	}
}

func TestGenerate_SpecialCharactersRoundTripAsValidJSON(t *testing.T) {
	agents := []manifest.Agent{
		{
			ID:            "weird",
			IsolationGroup: "g1",
			Model:         "anthropic/claude",
			TelegramToken: "tok-with-\"quotes\"-and-\nnewline-and-é中文",
		},
	}
	cfg, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: agents})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var roundTrip GatewayConfig
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		t.Fatalf("special characters broke JSON round-trip: %v", err)
	}
}

func TestWriteAtomic_RoundTripStability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")

	cfg, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: sampleAgents()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := WriteAtomic(path, cfg); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Fatalf("round-trip mismatch:\nwrote: %+v\nread:  %+v", cfg, loaded)
	}
}

func TestWriteAtomic_PreservesPreviousWithSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")

	cfg1, _ := Generate(Options{Mode: ModeFull, Port: 9001, Agents: sampleAgents()})
	if err := WriteAtomic(path, cfg1); err != nil {
		t.Fatalf("first WriteAtomic failed: %v", err)
	}

	cfg2, _ := Generate(Options{Mode: ModeSafeMode, Port: 9002, Agents: sampleAgents()[:1]})
	if err := WriteAtomic(path, cfg2); err != nil {
		t.Fatalf("second WriteAtomic failed: %v", err)
	}

	if _, err := os.Stat(path + ".pre-recovery"); err != nil {
		t.Fatalf("expected .pre-recovery backup to exist: %v", err)
	}
}

func TestGenerate_RejectsUnknownAccountKeyInjection(t *testing.T) {
	cfg, err := Generate(Options{Mode: ModeFull, Port: 9001, Agents: sampleAgents()})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	cfg.Channels.Telegram.Accounts["ghost"] = Account{BotToken: "x"}
	if err := validateAccountKeys(cfg); err == nil {
		t.Fatal("expected validation error for account key with no matching agent")
	}
}
