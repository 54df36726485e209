package agent

import (
	"fmt"
	"io/ioutil"
	"log"
	"path/filepath"
	"sort"
	"strings"
)

type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// promptOrder is the deterministic assembly order for prompt files. It
// carries the teacher's original concern names (soul, capabilities,
// worker_directive, user) alongside the per-agent workspace file names
// the Workspace Generator (4.E) now writes into each agent's directory
// (persona, boot, bootstrap, user_context) — the two vocabularies are
// aliased onto the same priority tiers so a directory built from either
// shape assembles in the same relative order.
var promptOrder = map[string]int{
	"identity.md":         1,
	"soul.md":             2,
	"persona.md":          2,
	"capabilities.md":     3,
	"boot.md":             3,
	"worker_directive.md": 4,
	"bootstrap.md":        4,
	"user.md":             5,
	"user_context.md":     5,
}

func (pm *PromptManager) GetWorkerPrompt() (string, error) {
	return pm.assemble(nil)
}

// GetLeanWorkerPrompt assembles only the identity/persona tier for each
// ReAct reasoning turn (spec §4.N's per-agent Brain uses this, not the
// full worker prompt, to keep the lean per-step context small) — boot,
// bootstrap, and user-context material is reserved for planning and
// onboarding, not repeated on every tool-calling turn.
func (pm *PromptManager) GetLeanWorkerPrompt() (string, error) {
	return pm.assemble(func(name string) bool {
		o, ok := promptOrder[name]
		return ok && o <= 2
	})
}

// GetPlannerPrompt assembles the Master's planning context. It prefers
// a dedicated planner.md (the teacher's original single-prompts-dir
// shape) and otherwise falls back to identity/persona/boot — the
// per-agent workspace (4.E) has no planner.md of its own.
func (pm *PromptManager) GetPlannerPrompt() (string, error) {
	path := filepath.Join(pm.Directory, "planner.md")
	if data, err := ioutil.ReadFile(path); err == nil {
		return string(data), nil
	}
	return pm.assemble(func(name string) bool {
		o, ok := promptOrder[name]
		return ok && o <= 3
	})
}

// assemble reads every *.md file in the prompt directory (except
// planner.md, which is handled separately), in promptOrder, optionally
// filtered by include. include == nil means "include everything".
func (pm *PromptManager) assemble(include func(name string) bool) (string, error) {
	files, err := ioutil.ReadDir(pm.Directory)
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	var contents []string

	sort.Slice(files, func(i, j int) bool {
		oi, okI := promptOrder[files[i].Name()]
		oj, okJ := promptOrder[files[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return files[i].Name() < files[j].Name()
	})

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") || f.Name() == "planner.md" {
			continue
		}
		if include != nil && !include(f.Name()) {
			continue
		}
		path := filepath.Join(pm.Directory, f.Name())
		data, err := ioutil.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, string(data))
	}

	if len(contents) == 0 {
		return "", fmt.Errorf("no prompt files found in %s", pm.Directory)
	}

	return strings.Join(contents, "\n\n---\n\n"), nil
}
