package profile

import (
	"log"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MappingMode controls how an incoming model name is rewritten before
// the request is forwarded upstream.
type MappingMode string

const (
	ModePassthrough MappingMode = "passthrough"
	ModeOverride    MappingMode = "override"
	ModeMap         MappingMode = "map"
)

// ParseMappingMode normalises a stored mode string; unknown values fall
// back to passthrough.
func ParseMappingMode(s string) MappingMode {
	switch MappingMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOverride:
		return ModeOverride
	case ModeMap:
		return ModeMap
	default:
		return ModePassthrough
	}
}

// MappingRule is one ordered pattern => target rewrite. Exact rules
// compare byte-for-byte; regex rules compile the pattern on evaluation.
type MappingRule struct {
	Pattern  string `json:"pattern"`
	Target   string `json:"target"`
	UseRegex bool   `json:"useRegex"`
}

// Profile describes one upstream endpoint the proxy can forward to.
type Profile struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	APIBaseURL    string        `json:"apiBaseUrl"`
	APIKey        string        `json:"apiKey"`
	IsActive      bool          `json:"isActive"`
	MappingMode   MappingMode   `json:"modelMappingMode"`
	OverrideModel string        `json:"overrideModel,omitempty"`
	ModelMappings []MappingRule `json:"modelMappings"`
}

// New creates an inactive profile with a generated id.
func New(name, apiBaseURL, apiKey string) Profile {
	return Profile{
		ID:          uuid.NewString(),
		Name:        name,
		APIBaseURL:  apiBaseURL,
		APIKey:      apiKey,
		MappingMode: ModePassthrough,
	}
}

// Clone returns a deep copy; handlers work on snapshots so mid-request
// profile edits cannot affect an in-flight request.
func (p Profile) Clone() Profile {
	out := p
	if len(p.ModelMappings) > 0 {
		out.ModelMappings = make([]MappingRule, len(p.ModelMappings))
		copy(out.ModelMappings, p.ModelMappings)
	}
	return out
}

// ResolveModel maps the incoming model name according to the profile's
// mapping mode. Map rules are evaluated in order and the first match
// wins; a regex rule whose pattern fails to compile is skipped with a
// warning. When nothing matches the original name is returned.
func (p Profile) ResolveModel(original string) string {
	switch p.MappingMode {
	case ModeOverride:
		if strings.TrimSpace(p.OverrideModel) != "" {
			return p.OverrideModel
		}
		return original
	case ModeMap:
		for _, rule := range p.ModelMappings {
			if rule.UseRegex {
				re, err := regexp.Compile(rule.Pattern)
				if err != nil {
					log.Printf("model mapping: invalid regex %q skipped: %v", rule.Pattern, err)
					continue
				}
				if re.MatchString(original) {
					return rule.Target
				}
				continue
			}
			if rule.Pattern == original {
				return rule.Target
			}
		}
		return original
	default:
		return original
	}
}

// Provider derives the telemetry provider tag from the base URL host.
func (p Profile) Provider() string {
	switch {
	case strings.Contains(p.APIBaseURL, "anthropic.com"):
		return "Anthropic"
	case strings.Contains(p.APIBaseURL, "openai.com"):
		return "OpenAI"
	default:
		return "Custom"
	}
}
