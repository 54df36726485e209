// Package healthprobe implements the post-start HTTP liveness check
// that blocks a group's service unit from reaching "active" state
// (spec §4.H). It is grounded on the retrieval pack's Ruriko
// provisioning pipeline's pollACPHealth/pollContainerRunning polling
// loop, adapted from container-health polling to a bare HTTP GET
// against the gateway's loopback port plus process-presence tracking.
package healthprobe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dfrysinger/hatchery/internal/markers"
)

// Tuning defaults, overridable by HEALTH_CHECK_* env vars (spec §6).
const (
	DefaultSettle       = 10 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultNoProcess    = 60 * time.Second
	DefaultWarn         = 120 * time.Second
	DefaultHardMax      = 300 * time.Second
)

// Outcome mirrors spec §4.H's two exit codes.
type Outcome int

const (
	OutcomeHealthy Outcome = 0
	OutcomeFailed  Outcome = 1
)

// ProcessObserver reports whether the gateway process is currently
// running by name, letting the probe detect a crash (was running, now
// gone) independent of the HTTP poll.
type ProcessObserver interface {
	Running(ctx context.Context) (bool, error)
}

// Notifier sends the one "still waiting" notification at WARN_SECS.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Options configures one probe run.
type Options struct {
	Group          string
	URL            string // http://127.0.0.1:<group_port>/
	Settle         time.Duration
	PollInterval   time.Duration
	NoProcessTimeout time.Duration
	WarnAfter      time.Duration
	HardMax        time.Duration
	HTTP           *http.Client
	Process        ProcessObserver
	Notifier       Notifier
	Markers        *markers.Store
	Logger         *slog.Logger
	Clock          func() time.Time // overridable for tests
	Sleep          func(time.Duration)
}

func (o *Options) withDefaults() {
	if o.Settle == 0 {
		o.Settle = DefaultSettle
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.NoProcessTimeout == 0 {
		o.NoProcessTimeout = DefaultNoProcess
	}
	if o.WarnAfter == 0 {
		o.WarnAfter = DefaultWarn
	}
	if o.HardMax == 0 {
		o.HardMax = DefaultHardMax
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{Timeout: 3 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
}

// Run executes the full settle/poll/warn/timeout algorithm (spec
// §4.H). It blocks until a terminal outcome is reached.
func Run(ctx context.Context, opts Options) Outcome {
	opts.withDefaults()

	opts.Sleep(opts.Settle)

	start := opts.Clock()
	warned := false
	everSeenRunning := false

	for {
		select {
		case <-ctx.Done():
			return opts.fail("context canceled")
		default:
		}

		elapsed := opts.Clock().Sub(start)

		if opts.Process != nil {
			running, err := opts.Process.Running(ctx)
			if err == nil {
				if running {
					everSeenRunning = true
				} else if everSeenRunning {
					opts.Logger.Error("healthprobe: gateway process disappeared", "group", opts.Group)
					return opts.fail("crash")
				} else if elapsed >= opts.NoProcessTimeout {
					opts.Logger.Error("healthprobe: gateway process never appeared", "group", opts.Group)
					return opts.fail("no_process_timeout")
				}
			}
		}

		if ok, _ := opts.probeHTTP(ctx); ok {
			opts.Logger.Info("healthprobe: healthy", "group", opts.Group, "elapsed", elapsed)
			return OutcomeHealthy
		}

		if !warned && elapsed >= opts.WarnAfter {
			warned = true
			if opts.Notifier != nil {
				_ = opts.Notifier.Notify(ctx, fmt.Sprintf("group %s is still not responding to its health check", opts.Group))
			}
		}

		if elapsed >= opts.HardMax {
			opts.Logger.Error("healthprobe: hard timeout", "group", opts.Group, "elapsed", elapsed)
			return opts.fail("hard_timeout")
		}

		opts.Sleep(opts.PollInterval)
	}
}

func (o *Options) probeHTTP(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// fail writes the unhealthy[<group>] marker as a side effect (spec
// §4.H: "Outcomes ... 1 on timeout or crash, with the unhealthy[<group>]
// marker written as a side effect to notify the recovery trigger").
func (o *Options) fail(reason string) Outcome {
	if o.Markers != nil {
		_ = o.Markers.Touch(markers.Grouped(markers.Unhealthy, o.Group))
	}
	o.Logger.Warn("healthprobe: marking unhealthy", "group", o.Group, "reason", reason)
	return OutcomeFailed
}
