package service

import (
	"strings"
	"testing"
	"time"
)

func TestRenderUnitFile_ContainsStartAndRestartDirectives(t *testing.T) {
	u := Unit{
		Group:        "owner-desktop",
		Start:        "/usr/bin/hatchery gateway --group owner-desktop --config /etc/hatchery/owner-desktop.json",
		PostStart:    "/usr/bin/hatchery healthprobe --group owner-desktop",
		Restart:      DefaultRestartPolicy(),
		StartTimeout: 180 * time.Second,
	}

	out, err := RenderUnitFile(u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"ExecStart=" + u.Start,
		"ExecStartPost=" + u.PostStart,
		"TimeoutStartSec=180",
		"Restart=on-failure",
		"RestartPreventExitStatus=2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected unit file to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRenderUnitFile_NoRestartPolicyOmitsOnFailure(t *testing.T) {
	u := Unit{
		Group:   "owner-desktop",
		Restart: RestartPolicy{RestartOnFailure: false},
	}
	out, err := RenderUnitFile(u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Restart=no") {
		t.Errorf("expected Restart=no, got:\n%s", out)
	}
}

func TestRenderOneshotFile_BindsToOwningGatewayUnit(t *testing.T) {
	u := Unit{Group: "owner-desktop", E2EOneshotTimeout: 600 * time.Second}
	out, err := RenderOneshotFile(u, "/usr/bin/hatchery e2eprobe --group owner-desktop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"BindsTo=hatchery-gateway@owner-desktop.service",
		"Requisite=hatchery-gateway@owner-desktop.service",
		"ExecStart=/usr/bin/hatchery e2eprobe --group owner-desktop",
		"TimeoutStartSec=600",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected oneshot file to contain %q, got:\n%s", want, out)
		}
	}
}
