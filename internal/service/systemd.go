package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

// unitTemplate renders a Unit into a systemd unit file. Field names on
// Unit already mirror the systemd directives 1:1 (spec §4.F), so the
// template is a near-literal transcription: BindsTo/Requisite give the
// HTTP probe's "active" transition a hard precedence over the E2E
// oneshot (spec §5 ordering guarantee 3).
const unitTemplate = `[Unit]
Description=hatchery gateway ({{.Group}})
After=network.target

[Service]
Type=notify
ExecStart={{.Start}}
ExecStartPost={{.PostStart}}
TimeoutStartSec={{.StartTimeoutSecs}}
Restart={{if .Restart.RestartOnFailure}}on-failure{{else}}no{{end}}
{{range .Restart.NoRestartExitCodes}}RestartPreventExitStatus={{.}}
{{end}}

[Install]
WantedBy=multi-user.target
`

const oneshotTemplate = `[Unit]
Description=hatchery e2e probe ({{.Group}})
BindsTo=hatchery-gateway@{{.Group}}.service
Requisite=hatchery-gateway@{{.Group}}.service

[Service]
Type=oneshot
ExecStart={{.E2EProbeCommand}}
TimeoutStartSec={{.E2EOneshotTimeoutSecs}}
`

type unitTemplateData struct {
	Unit
	StartTimeoutSecs int
}

type oneshotTemplateData struct {
	Group                 string
	E2EProbeCommand       string
	E2EOneshotTimeoutSecs int
}

// RenderUnitFile renders the supervised-gateway unit as systemd unit
// text (spec §4.F's Start/PostStart/Restart fields, verbatim).
func RenderUnitFile(u Unit) (string, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("service: parse unit template: %w", err)
	}
	var buf bytes.Buffer
	data := unitTemplateData{Unit: u, StartTimeoutSecs: int(u.StartTimeout.Seconds())}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("service: render unit %s: %w", u.Group, err)
	}
	return buf.String(), nil
}

// RenderOneshotFile renders the bound E2E-probe oneshot unit (spec
// §4.F: "end-to-end probe runs as a separate oneshot unit bound to the
// gateway unit's lifetime").
func RenderOneshotFile(u Unit, e2eProbeCommand string) (string, error) {
	tmpl, err := template.New("oneshot").Parse(oneshotTemplate)
	if err != nil {
		return "", fmt.Errorf("service: parse oneshot template: %w", err)
	}
	var buf bytes.Buffer
	data := oneshotTemplateData{
		Group:                 u.Group,
		E2EProbeCommand:       e2eProbeCommand,
		E2EOneshotTimeoutSecs: int(u.E2EOneshotTimeout.Seconds()),
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("service: render oneshot %s: %w", u.Group, err)
	}
	return buf.String(), nil
}

// SystemdEnabler implements orchestrator.ServiceEnabler against a real
// systemd install: it writes both unit files and enables (never
// starts) the gateway unit, matching spec §4.F's "enabled during
// provisioning but not started until after the post-provisioning
// reboot".
type SystemdEnabler struct {
	UnitDir         string // e.g. /etc/systemd/system
	E2EProbeCommand func(group string) string
	Run             func(ctx context.Context, name string, args ...string) error
}

func NewSystemdEnabler(unitDir string, e2eProbeCommand func(group string) string) *SystemdEnabler {
	return &SystemdEnabler{
		UnitDir:         unitDir,
		E2EProbeCommand: e2eProbeCommand,
		Run:             runCommand,
	}
}

func (e *SystemdEnabler) Enable(ctx context.Context, u Unit) error {
	unitName := fmt.Sprintf("hatchery-gateway@%s.service", u.Group)
	unitBody, err := RenderUnitFile(u)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(e.UnitDir, unitName), []byte(unitBody), 0o644); err != nil {
		return fmt.Errorf("service: write unit file: %w", err)
	}

	cmd := ""
	if e.E2EProbeCommand != nil {
		cmd = e.E2EProbeCommand(u.Group)
	}
	oneshotBody, err := RenderOneshotFile(u, cmd)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(e.UnitDir, u.E2EOneshotName+".service"), []byte(oneshotBody), 0o644); err != nil {
		return fmt.Errorf("service: write oneshot unit file: %w", err)
	}

	if err := e.Run(ctx, "systemctl", "daemon-reload"); err != nil {
		return err
	}
	// enable only — never start (spec §4.F)
	return e.Run(ctx, "systemctl", "enable", unitName)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
