// Package gateway is the Agent Runtime (spec §4.N): the actual
// supervised process the Core provisions and probes. One Runtime hosts
// every agent in a single isolation group, routing inbound chat
// messages to the matching agent.Brain by configured account and
// answering the HTTP liveness surface the Health Probe (4.H) polls.
//
// Adapted from the teacher's single-bot, single-brain main.go: that
// shape is generalized here into a per-group, multi-agent, multi-platform
// runtime driven entirely by a configgen.GatewayConfig instead of a
// hand-edited config.json.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Messenger is the per-account transport: one Messenger per (platform,
// agent) pair that has a configured bot token.
type Messenger interface {
	// Start begins the message listening loop. Blocks until Stop or a
	// fatal transport error.
	Start() error
	// Send delivers text to a chat/channel.
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway.
	Stop() error
}

// Prober is the narrow, deterministic entry point a Brain exposes for
// the E2E probe's agent stage (spec §4.I stage 2) — no tool loop, no
// scratchpad, just "does this model answer".
type Prober interface {
	Probe(ctx context.Context, prompt string) (string, error)
}

// Thinker is the full conversational entry point used for live chat,
// keyed by a composite chat key so history/governance/tools are scoped
// to (group, agent, chat) rather than a single global chat (spec §4.N).
type Thinker interface {
	Think(ctx context.Context, chatKey string, input string) (string, error)
}

// Brain is what an agent contributes to the runtime: both the live
// chat path and the narrow probe path.
type Brain interface {
	Thinker
	Prober
}

// Scheduler is the background poll loop a bound agent.Scheduler
// satisfies: wake periodically, execute due tasks, push output back
// through the agent's own Messenger. Runtime only needs the Start leg;
// the scheduler owns its own ticker and exits when ctx is cancelled.
type Scheduler interface {
	Start(ctx context.Context)
}

// AgentBinding is one agent's wiring within a group runtime: its id,
// its brain, whichever per-platform Messengers it has tokens for, and
// its optional task scheduler.
type AgentBinding struct {
	ID        string
	Brain     Brain
	Telegram  Messenger
	Discord   Messenger
	Scheduler Scheduler
}

// Runtime hosts every agent in one isolation group behind a single
// loopback HTTP liveness endpoint (spec §4.N, §9 "loopback bind is
// non-negotiable").
type Runtime struct {
	Group  string
	Bind   string
	Port   int
	Agents []AgentBinding

	mu     sync.RWMutex
	ready  bool
	logger *slog.Logger

	httpSrv *http.Server
	stop    chan struct{}
}

// NewRuntime constructs a Runtime for one group. Bind must be loopback
// (spec §9); callers that source it from GatewayConfig.Gateway.Bind
// already have this guaranteed by configgen.
func NewRuntime(group, bind string, port int, agents []AgentBinding, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		Group:  group,
		Bind:   bind,
		Port:   port,
		Agents: agents,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// ChatKey builds the composite key the agent runtime uses to scope
// history, governance, and tool state: (group, agent, chat) instead of
// the teacher's single flat chatID (spec §4.N).
func ChatKey(group, agentID, chatID string) string {
	return fmt.Sprintf("%s/%s/%s", group, agentID, chatID)
}

// Start launches every configured Messenger and the liveness HTTP
// server, then blocks until Stop is called or a Messenger exits with a
// fatal error.
func (r *Runtime) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", r.handleRoot)
	r.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", r.Bind, r.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway: liveness server: %w", err)
		}
	}()

	var wg sync.WaitGroup
	for i := range r.Agents {
		b := r.Agents[i]
		if b.Scheduler != nil {
			wg.Add(1)
			go func(s Scheduler, id string) {
				defer wg.Done()
				s.Start(ctx)
				r.logger.Info("scheduler stopped", "agent", id)
			}(b.Scheduler, b.ID)
		}
		if b.Telegram != nil {
			wg.Add(1)
			go func(m Messenger, id string) {
				defer wg.Done()
				if err := m.Start(); err != nil {
					r.logger.Error("messenger exited", "agent", id, "platform", "telegram", "err", err)
					select {
					case errCh <- err:
					default:
					}
				}
			}(b.Telegram, b.ID)
		}
		if b.Discord != nil {
			wg.Add(1)
			go func(m Messenger, id string) {
				defer wg.Done()
				if err := m.Start(); err != nil {
					r.logger.Error("messenger exited", "agent", id, "platform", "discord", "err", err)
					select {
					case errCh <- err:
					default:
					}
				}
			}(b.Discord, b.ID)
		}
	}

	// The Messengers authenticate their accounts during construction
	// (see telegram.go, discord.go), so by the time Start's goroutines
	// are scheduled the accounts are already live.
	r.mu.Lock()
	r.ready = len(r.Agents) > 0
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		r.Stop()
		wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		r.Stop()
		wg.Wait()
		return err
	case <-r.stop:
		wg.Wait()
		return nil
	}
}

// Stop gracefully shuts down every Messenger and the liveness server.
func (r *Runtime) Stop() error {
	select {
	case <-r.stop:
		// already stopped
	default:
		close(r.stop)
	}
	for _, b := range r.Agents {
		if b.Telegram != nil {
			_ = b.Telegram.Stop()
		}
		if b.Discord != nil {
			_ = b.Discord.Stop()
		}
	}
	if r.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (r *Runtime) handleRoot(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	ready := r.ready
	r.mu.RUnlock()
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s ok\n", r.Group)
}

// BindingFor returns the AgentBinding for an agent id, used by the E2E
// probe (via a thin adapter) to reach a specific agent's Brain.
func (r *Runtime) BindingFor(agentID string) (AgentBinding, bool) {
	for _, b := range r.Agents {
		if b.ID == agentID {
			return b, true
		}
	}
	return AgentBinding{}, false
}
