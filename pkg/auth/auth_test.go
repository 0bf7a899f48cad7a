package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/pkg/config"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.AuthConfig
		credential string
		wantErr    bool
	}{
		{
			name:       "known token passes",
			cfg:        config.AuthConfig{Tokens: []string{"tok-a", "tok-b"}},
			credential: "tok-b",
		},
		{
			name:       "unknown token fails",
			cfg:        config.AuthConfig{Tokens: []string{"tok-a"}},
			credential: "tok-x",
			wantErr:    true,
		},
		{
			name:       "empty credential fails when anonymous off",
			cfg:        config.AuthConfig{Tokens: []string{"tok-a"}},
			credential: "",
			wantErr:    true,
		},
		{
			name:       "empty token set fails closed",
			cfg:        config.AuthConfig{},
			credential: "anything",
			wantErr:    true,
		},
		{
			name:       "anonymous allowed with empty credential",
			cfg:        config.AuthConfig{AllowAnonymous: true},
			credential: "",
		},
		{
			name:       "anonymous does not admit wrong tokens",
			cfg:        config.AuthConfig{Tokens: []string{"tok-a"}, AllowAnonymous: true},
			credential: "tok-x",
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.cfg, nil)
			principal, err := v.Validate(tt.credential, "127.0.0.1")
			if tt.wantErr {
				require.ErrorIs(t, err, ErrAuthFailure)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, principal.Fingerprint)
		})
	}
}

func TestFingerprintNeverEchoesToken(t *testing.T) {
	fp := Fingerprint("super-secret-token")
	assert.Len(t, fp, 12)
	assert.NotContains(t, fp, "super")

	// Deterministic for the same input, distinct for others.
	assert.Equal(t, fp, Fingerprint("super-secret-token"))
	assert.NotEqual(t, fp, Fingerprint("other-token"))
}
