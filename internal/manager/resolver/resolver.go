// Package resolver expands preset references and environment
// placeholders in a run's config snapshot before dispatch.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/manager/backendclient"
)

const (
	refPrefix = "preset:"
	cacheTTL  = 60 * time.Second
)

var envRefRe = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// PresetSource provides the Backend preset lists and user env maps.
type PresetSource interface {
	MCPPresets(ctx context.Context) ([]backendclient.Preset, error)
	SkillPresets(ctx context.Context) ([]backendclient.Preset, error)
	EnvVarMap(ctx context.Context, userID string) (map[string]string, error)
}

// Resolver resolves config snapshots. Preset lists are cached for a
// short window so bursts of dispatches share one Backend round trip.
type Resolver struct {
	source PresetSource
	cache  *expirable.LRU[string, []backendclient.Preset]
	log    *logger.Logger
}

// New creates a resolver over the given preset source.
func New(source PresetSource, log *logger.Logger) *Resolver {
	return &Resolver{
		source: source,
		cache:  expirable.NewLRU[string, []backendclient.Preset](4, nil, cacheTTL),
		log:    log.WithFields(zap.String("component", "resolver")),
	}
}

// Resolve returns a copy of snapshot with preset refs expanded, env
// placeholders substituted, and disabled entries filtered.
func (r *Resolver) Resolve(ctx context.Context, userID string, snapshot map[string]any) (map[string]any, error) {
	resolved := deepCopyMap(snapshot)
	if resolved == nil {
		resolved = make(map[string]any)
	}

	if mcp, ok := asEntryMap(resolved["mcp_config"]); ok {
		out, err := r.resolveMCP(ctx, mcp)
		if err != nil {
			return nil, err
		}
		resolved["mcp_config"] = out
	}
	if skills, ok := asEntryMap(resolved["skill_files"]); ok {
		out, err := r.resolveSkills(ctx, skills)
		if err != nil {
			return nil, err
		}
		resolved["skill_files"] = out
	}

	if containsEnvRef(resolved) {
		env, err := r.source.EnvVarMap(ctx, userID)
		if err != nil {
			return nil, err
		}
		substituted, err := substituteEnv(resolved, env)
		if err != nil {
			return nil, err
		}
		resolved = substituted.(map[string]any)
	}
	return resolved, nil
}

func (r *Resolver) resolveMCP(ctx context.Context, entries map[string]map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(entries))
	for name, entry := range entries {
		if isDisabled(entry) {
			continue
		}
		merged := entry
		if refName, ok := presetRef(entry); ok {
			preset, err := r.findPreset(ctx, "mcp", refName)
			if err != nil {
				return nil, err
			}
			base := deepCopyMap(preset.DefaultConfig)
			if base == nil {
				base = make(map[string]any)
			}
			if preset.Transport != "" {
				base["transport"] = preset.Transport
			}
			merged = overlay(base, entry)
		}
		// An explicit enabled:false on the merged result still drops it.
		if isDisabled(merged) {
			continue
		}
		out[name] = merged
	}
	return out, nil
}

func (r *Resolver) resolveSkills(ctx context.Context, entries map[string]map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(entries))
	for name, entry := range entries {
		if enabled, ok := entry["enabled"].(bool); ok && !enabled {
			// Disabled skills stay visible so staging removes any
			// previously staged copy.
			out[name] = map[string]any{"enabled": false}
			continue
		}
		merged := entry
		if refName, ok := presetRef(entry); ok {
			preset, err := r.findPreset(ctx, "skill", refName)
			if err != nil {
				return nil, err
			}
			base := deepCopyMap(preset.DefaultConfig)
			if base == nil {
				base = make(map[string]any)
			}
			if preset.Entry != "" {
				base["entry"] = preset.Entry
			}
			merged = overlay(base, entry)
		}
		out[name] = merged
	}
	return out, nil
}

func (r *Resolver) findPreset(ctx context.Context, kind, name string) (*backendclient.Preset, error) {
	presets, err := r.listPresets(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range presets {
		if presets[i].Name == name && presets[i].IsActive {
			return &presets[i], nil
		}
	}
	code := apperr.CodeMCPPresetNotFound
	if kind == "skill" {
		code = apperr.CodeSkillPresetNotFound
	}
	return nil, apperr.Newf(code, "%s preset %q not found", kind, name)
}

func (r *Resolver) listPresets(ctx context.Context, kind string) ([]backendclient.Preset, error) {
	if cached, ok := r.cache.Get(kind); ok {
		return cached, nil
	}
	var presets []backendclient.Preset
	var err error
	switch kind {
	case "mcp":
		presets, err = r.source.MCPPresets(ctx)
	default:
		presets, err = r.source.SkillPresets(ctx)
	}
	if err != nil {
		return nil, err
	}
	r.cache.Add(kind, presets)
	r.log.Debug("preset cache refreshed",
		zap.String("kind", kind),
		zap.Int("count", len(presets)))
	return presets, nil
}

// presetRef extracts the name from a `$ref: "preset:<name>"` entry.
func presetRef(entry map[string]any) (string, bool) {
	ref, _ := entry["$ref"].(string)
	if !strings.HasPrefix(ref, refPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, refPrefix), true
}

func isDisabled(entry map[string]any) bool {
	if enabled, ok := entry["enabled"].(bool); ok && !enabled {
		return true
	}
	if disabled, ok := entry["disabled"].(bool); ok && disabled {
		return true
	}
	return false
}

// overlay merges the caller entry over the preset base, dropping $ref.
func overlay(base, entry map[string]any) map[string]any {
	for k, v := range entry {
		if k == "$ref" {
			continue
		}
		base[k] = deepCopyValue(v)
	}
	return base
}

func asEntryMap(v any) (map[string]map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]map[string]any, len(m))
	for name, entry := range m {
		em, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		out[name] = em
	}
	return out, true
}

func containsEnvRef(v any) bool {
	switch t := v.(type) {
	case string:
		return envRefRe.MatchString(t)
	case map[string]any:
		for _, sub := range t {
			if containsEnvRef(sub) {
				return true
			}
		}
	case []any:
		for _, sub := range t {
			if containsEnvRef(sub) {
				return true
			}
		}
	}
	return false
}

// substituteEnv replaces ${env:VAR} in every string value. A reference
// to a missing variable aborts resolution.
func substituteEnv(v any, env map[string]string) (any, error) {
	switch t := v.(type) {
	case string:
		var missing error
		out := envRefRe.ReplaceAllStringFunc(t, func(match string) string {
			key := envRefRe.FindStringSubmatch(match)[1]
			val, ok := env[key]
			if !ok {
				missing = apperr.Newf(apperr.CodeEnvVarNotFound, "environment variable %q is not set", key)
				return match
			}
			return val
		})
		if missing != nil {
			return nil, missing
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			resolved, err := substituteEnv(sub, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			resolved, err := substituteEnv(sub, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = deepCopyValue(sub)
		}
		return out
	default:
		return v
	}
}
