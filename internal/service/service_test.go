package service

import "testing"

func TestSynthesize_OneUnitPerGroup(t *testing.T) {
	plan := Synthesize([]string{"g1", "g2"}, Options{
		GatewayBinary:     "/usr/bin/hatchery",
		HealthProbeBinary: "/usr/bin/hatchery",
		ConfigDir:         "/etc/hatchery",
	})
	if len(plan.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(plan.Units))
	}
	for _, u := range plan.Units {
		if !u.Enabled {
			t.Errorf("expected unit %s to be enabled during provisioning", u.Group)
		}
	}
}

func TestRestartPolicy_DoesNotRestartOnCriticalExit(t *testing.T) {
	p := DefaultRestartPolicy()
	if p.ExitCodeRestarts(2) {
		t.Fatal("expected exit code 2 to not trigger a restart")
	}
	if !p.ExitCodeRestarts(1) {
		t.Fatal("expected exit code 1 to trigger a restart")
	}
	if p.ExitCodeRestarts(0) {
		t.Fatal("expected exit code 0 to not trigger a restart")
	}
}

func TestPartitions_ExactCoverage(t *testing.T) {
	groups := map[string][]string{
		"g1": {"a", "b"},
		"g2": {"c"},
	}
	if err := Partitions(groups, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("expected exact partition, got error: %v", err)
	}
}

func TestPartitions_DetectsDuplicateAgent(t *testing.T) {
	groups := map[string][]string{
		"g1": {"a"},
		"g2": {"a"},
	}
	if err := Partitions(groups, []string{"a"}); err == nil {
		t.Fatal("expected error for agent in two groups")
	}
}

func TestPartitions_DetectsOmittedAgent(t *testing.T) {
	groups := map[string][]string{
		"g1": {"a"},
	}
	if err := Partitions(groups, []string{"a", "b"}); err == nil {
		t.Fatal("expected error for omitted agent")
	}
}

func TestConfigPathFor(t *testing.T) {
	got := ConfigPathFor("/etc/hatchery/", "support")
	want := "/etc/hatchery/support.json"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
