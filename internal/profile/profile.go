// Package profile holds the per-kind tuning table: expected durations used
// for progress estimation, client-side submission timeouts and submit paths.
// New kinds are added here as data; orchestration code never branches on
// kind-specific constants.
package profile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"genjobs/internal/domain"
)

// Profile describes one job kind.
type Profile struct {
	ETA        time.Duration
	Timeout    time.Duration
	SubmitPath string
	// Models maps a lower-cased model hint to its ETA.
	Models map[string]time.Duration
}

// Table is the full (kind, model) → ETA/timeout configuration.
type Table struct {
	DefaultETA     time.Duration
	DefaultTimeout time.Duration
	Kinds          map[domain.JobKind]Profile
}

// Defaults returns the built-in table.
func Defaults() Table {
	return Table{
		DefaultETA:     60 * time.Second,
		DefaultTimeout: 2 * time.Minute,
		Kinds: map[domain.JobKind]Profile{
			domain.JobKindImage: {
				ETA:     20 * time.Second,
				Timeout: 90 * time.Second,
				Models: map[string]time.Duration{
					"flux-schnell": 8 * time.Second,
					"flux-pro":     30 * time.Second,
				},
			},
			domain.JobKindAIVideo: {
				ETA:     75 * time.Second,
				Timeout: 15 * time.Minute,
				Models: map[string]time.Duration{
					"veo-3":            240 * time.Second,
					"veo-3-fast":       90 * time.Second,
					"kling-2.1-master": 300 * time.Second,
					"wan-2.2-fast":     45 * time.Second,
				},
			},
			domain.JobKindImageToVideo: {
				ETA:     90 * time.Second,
				Timeout: 10 * time.Minute,
				Models: map[string]time.Duration{
					"kling-2.1":     180 * time.Second,
					"seedance-lite": 60 * time.Second,
				},
			},
			domain.JobKindVehicleRestoration: {
				ETA:     45 * time.Second,
				Timeout: 3 * time.Minute,
			},
			domain.JobKindImageEdit: {
				ETA:     30 * time.Second,
				Timeout: 2 * time.Minute,
				Models: map[string]time.Duration{
					"nano-banana":     15 * time.Second,
					"qwen-image-edit": 40 * time.Second,
				},
			},
			domain.JobKindMusicVideo: {
				ETA:     300 * time.Second,
				Timeout: 20 * time.Minute,
			},
			domain.JobKindFaceswapStep: {
				ETA:     60 * time.Second,
				Timeout: 5 * time.Minute,
			},
		},
	}
}

// ETA returns the expected total duration for a kind and model hint.
func (t Table) ETA(kind domain.JobKind, model string) time.Duration {
	p, ok := t.Kinds[kind]
	if !ok {
		return t.DefaultETA
	}
	if eta, ok := p.Models[strings.ToLower(strings.TrimSpace(model))]; ok && eta > 0 {
		return eta
	}
	if p.ETA > 0 {
		return p.ETA
	}
	return t.DefaultETA
}

// Timeout returns the client-side submission timeout for a kind.
func (t Table) Timeout(kind domain.JobKind) time.Duration {
	if p, ok := t.Kinds[kind]; ok && p.Timeout > 0 {
		return p.Timeout
	}
	return t.DefaultTimeout
}

// SubmitPath returns the backend path used to submit a kind.
func (t Table) SubmitPath(kind domain.JobKind) string {
	if p, ok := t.Kinds[kind]; ok && p.SubmitPath != "" {
		return p.SubmitPath
	}
	return "/api/generate/" + string(kind)
}

// Pairs lists every known (kind, model) combination, with an empty model
// standing for the kind default.
func (t Table) Pairs() [][2]string {
	var out [][2]string
	for _, kind := range domain.AllKinds {
		out = append(out, [2]string{string(kind), ""})
		for model := range t.Kinds[kind].Models {
			out = append(out, [2]string{string(kind), model})
		}
	}
	return out
}

func (t Table) clone() Table {
	out := Table{DefaultETA: t.DefaultETA, DefaultTimeout: t.DefaultTimeout, Kinds: make(map[domain.JobKind]Profile, len(t.Kinds))}
	for k, p := range t.Kinds {
		models := make(map[string]time.Duration, len(p.Models))
		for m, eta := range p.Models {
			models[m] = eta
		}
		p.Models = models
		out.Kinds[k] = p
	}
	return out
}

type fileKind struct {
	ETASeconds     float64            `yaml:"eta_seconds"`
	TimeoutSeconds float64            `yaml:"timeout_seconds"`
	SubmitPath     string             `yaml:"submit_path"`
	Models         map[string]float64 `yaml:"models"`
}

type fileTable struct {
	DefaultETASeconds     float64             `yaml:"default_eta_seconds"`
	DefaultTimeoutSeconds float64             `yaml:"default_timeout_seconds"`
	Kinds                 map[string]fileKind `yaml:"kinds"`
}

// Parse layers a YAML document over base. Only keys present in the document
// change the result.
func Parse(data []byte, base Table) (Table, error) {
	var doc fileTable
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Table{}, fmt.Errorf("profile: decode yaml: %w", err)
	}
	out := base.clone()
	if doc.DefaultETASeconds > 0 {
		out.DefaultETA = seconds(doc.DefaultETASeconds)
	}
	if doc.DefaultTimeoutSeconds > 0 {
		out.DefaultTimeout = seconds(doc.DefaultTimeoutSeconds)
	}
	for name, fk := range doc.Kinds {
		kind, err := domain.ParseKind(name)
		if err != nil {
			return Table{}, fmt.Errorf("profile: kind %q: %w", name, err)
		}
		p := out.Kinds[kind]
		if fk.ETASeconds > 0 {
			p.ETA = seconds(fk.ETASeconds)
		}
		if fk.TimeoutSeconds > 0 {
			p.Timeout = seconds(fk.TimeoutSeconds)
		}
		if fk.SubmitPath != "" {
			p.SubmitPath = fk.SubmitPath
		}
		if p.Models == nil {
			p.Models = map[string]time.Duration{}
		}
		for model, eta := range fk.Models {
			if eta > 0 {
				p.Models[strings.ToLower(strings.TrimSpace(model))] = seconds(eta)
			}
		}
		out.Kinds[kind] = p
	}
	return out, nil
}

// LoadFile reads and parses a YAML profile file.
func LoadFile(path string, base Table) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return Parse(data, base)
}

// WithEnv applies ETA_<KIND>_SECONDS and TIMEOUT_<KIND>_SECONDS overrides.
func (t Table) WithEnv(lookup func(string) (string, bool)) Table {
	out := t.clone()
	for _, kind := range domain.AllKinds {
		suffix := strings.ToUpper(string(kind))
		p := out.Kinds[kind]
		if v, ok := lookupSeconds(lookup, "ETA_"+suffix+"_SECONDS"); ok {
			p.ETA = v
		}
		if v, ok := lookupSeconds(lookup, "TIMEOUT_"+suffix+"_SECONDS"); ok {
			p.Timeout = v
		}
		out.Kinds[kind] = p
	}
	return out
}

func lookupSeconds(lookup func(string) (string, bool), key string) (time.Duration, bool) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || f <= 0 {
		return 0, false
	}
	return seconds(f), true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
