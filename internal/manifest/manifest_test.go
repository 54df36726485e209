package manifest

import (
	"encoding/base64"
	"testing"
)

func encode(t *testing.T, js string) []byte {
	t.Helper()
	return []byte(base64.StdEncoding.EncodeToString([]byte(js)))
}

func TestParse_Minimal(t *testing.T) {
	raw := encode(t, `{
		"name": "lab-01",
		"platform": "telegram",
		"agents": [{"id": "scout", "model": "anthropic/claude", "tokens": {"telegram": "abc"}}]
	}`)

	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if env.Name != "lab-01" {
		t.Errorf("expected name lab-01, got %q", env.Name)
	}
	if len(env.Agents) != 1 || env.Agents[0].ID != "scout" {
		t.Fatalf("unexpected agents: %+v", env.Agents)
	}
	if env.Agents[0].IsolationGroup != "scout" {
		t.Errorf("expected isolation group to default to agent id, got %q", env.Agents[0].IsolationGroup)
	}
}

func TestParse_RejectsInvalidBase64(t *testing.T) {
	if _, err := Parse([]byte("not-base64!!")); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestParse_RejectsMissingName(t *testing.T) {
	raw := encode(t, `{"agents": [{"id": "a"}]}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestParse_RejectsEmptyAgents(t *testing.T) {
	raw := encode(t, `{"name": "x", "agents": []}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for empty agents")
	}
}

func TestParse_RejectsDefaultAgentID(t *testing.T) {
	raw := encode(t, `{"name": "x", "agents": [{"id": "default"}]}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for agent id == default")
	}
}

func TestParse_RejectsDuplicateAgentIDs(t *testing.T) {
	raw := encode(t, `{"name": "x", "agents": [{"id": "a"}, {"id": "a"}]}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for duplicate agent ids")
	}
}

func TestParse_RejectsNetworkWithoutIsolation(t *testing.T) {
	raw := encode(t, `{"name": "x", "isolation": "none", "agents": [{"id": "a", "network": "bridge"}]}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for network set with isolation none")
	}
}

func TestParse_RejectsBadGroupLabel(t *testing.T) {
	raw := encode(t, `{"name": "x", "agents": [{"id": "a", "isolation_group": "bad label!"}]}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected error for invalid isolation group label")
	}
}

func TestParse_WarnsOnMissingOwnerID(t *testing.T) {
	raw := encode(t, `{"name": "x", "platform": "telegram", "agents": [{"id": "a"}]}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(env.Warnings) == 0 {
		t.Fatal("expected a warning about missing telegram owner_id")
	}
}

func TestParse_AgentInheritsParentProviderKeys(t *testing.T) {
	raw := encode(t, `{
		"name": "x",
		"provider_keys": {"anthropic": "sk-ant-parent"},
		"agents": [{"id": "a"}]
	}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	a := env.Agents[0]
	if a.PotentiallyUnverifiable {
		t.Error("expected agent inheriting a parent key to not be marked potentially-unverifiable")
	}
	if got := a.ProviderKeys["anthropic"]; got != "sk-ant-parent" {
		t.Errorf("expected inherited provider key, got %q", got)
	}
}

func TestParse_AgentOwnProviderKeysTakePrecedenceOverParent(t *testing.T) {
	raw := encode(t, `{
		"name": "x",
		"provider_keys": {"anthropic": "sk-ant-parent"},
		"agents": [{"id": "a", "provider_keys": {"anthropic": "sk-ant-own"}}]
	}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := env.Agents[0].ProviderKeys["anthropic"]; got != "sk-ant-own" {
		t.Errorf("expected agent's own key to win, got %q", got)
	}
}

func TestParse_NoParentProviderKeysMarksUnverifiable(t *testing.T) {
	raw := encode(t, `{"name": "x", "agents": [{"id": "a"}]}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !env.Agents[0].PotentiallyUnverifiable {
		t.Error("expected agent with no own or parent provider keys to be marked potentially-unverifiable")
	}
}

func TestGroupsAndAgentsInGroup(t *testing.T) {
	agents := []Agent{
		{ID: "b", IsolationGroup: "g2"},
		{ID: "a", IsolationGroup: "g1"},
		{ID: "c", IsolationGroup: "g1"},
	}
	groups := Groups(agents)
	if len(groups) != 2 || groups[0] != "g1" || groups[1] != "g2" {
		t.Fatalf("expected sorted [g1 g2], got %v", groups)
	}
	g1 := AgentsInGroup(agents, "g1")
	if len(g1) != 2 || g1[0].ID != "a" || g1[1].ID != "c" {
		t.Fatalf("expected [a c] in declaration order, got %+v", g1)
	}
}
