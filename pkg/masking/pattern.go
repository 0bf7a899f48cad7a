// Package masking scrubs credential-shaped strings from content before it
// is audited or published to event subscribers. Patterns are compiled once
// at startup; invalid patterns are logged and skipped.
package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are the credential shapes the control plane scrubs from
// every audited or published payload.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "bearer_header",
		pattern:     `(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`,
		replacement: "Bearer ***MASKED***",
	},
	{
		name:        "api_key_assignment",
		pattern:     `(?i)(api[_-]?key|auth[_-]?token|secret|password)(["']?\s*[:=]\s*["']?)[^\s"',;]{6,}`,
		replacement: "$1$2***MASKED***",
	},
	{
		name:        "anthropic_key",
		pattern:     `sk-ant-[A-Za-z0-9_-]{10,}`,
		replacement: "***MASKED***",
	},
	{
		name:        "openai_key",
		pattern:     `sk-[A-Za-z0-9]{20,}`,
		replacement: "***MASKED***",
	},
}

// compile builds the pattern set. Invalid patterns are skipped so a bad
// pattern can never take masking down entirely.
func compile() []*CompiledPattern {
	patterns := make([]*CompiledPattern, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		patterns = append(patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}
	return patterns
}
