package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask(t *testing.T) {
	svc := NewService()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "bearer header",
			input: "Authorization: Bearer abcdef123456789",
			want:  "Authorization: Bearer ***MASKED***",
		},
		{
			name:  "api key assignment",
			input: `api_key = "supersecretvalue"`,
			want:  `api_key = "***MASKED***"`,
		},
		{
			name:  "anthropic key",
			input: "using sk-ant-abc123def456 for calls",
			want:  "using ***MASKED*** for calls",
		},
		{
			name:  "plain text untouched",
			input: "fix the failing test in pkg/hub",
			want:  "fix the failing test in pkg/hub",
		},
		{
			name:  "short values untouched",
			input: "password: abc",
			want:  "password: abc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.Mask(tt.input))
		})
	}
}

func TestMaskNilService(t *testing.T) {
	var svc *Service
	assert.Equal(t, "Bearer abcdef123456789", svc.Mask("Bearer abcdef123456789"))
}
