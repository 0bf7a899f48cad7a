package masking

import "log/slog"

// Service applies credential masking to outbound content. Created once at
// startup; thread-safe and stateless aside from compiled patterns.
type Service struct {
	patterns []*CompiledPattern
}

// NewService compiles the built-in pattern set.
func NewService() *Service {
	s := &Service{patterns: compile()}
	slog.Info("Masking service initialized", "patterns", len(s.patterns))
	return s
}

// Mask returns data with every credential-shaped substring replaced.
// Defensive: a nil service returns the input unchanged.
func (s *Service) Mask(data string) string {
	if s == nil {
		return data
	}
	for _, p := range s.patterns {
		data = p.Regex.ReplaceAllString(data, p.Replacement)
	}
	return data
}
