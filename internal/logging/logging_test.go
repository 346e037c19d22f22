package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "a***e@e*****e.c*m"},
		{"b@x.io", "*@*.io"},
		{"  jo@host.org ", "jo@h**t.o*g"},
		{"not-an-address", "not-an-address"},
		{"@example.com", "@example.com"},
		{"trailing@", "trailing@"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskEmail(tt.in))
		})
	}
}

func TestNew(t *testing.T) {
	logger, err := New("production", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "debug should be disabled at warn level")

	_, err = New("development", "loud")
	assert.Error(t, err)
}
