package alert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"shorter than max", "help me", 50, "help me"},
		{"exactly max", strings.Repeat("a", 50), 50, strings.Repeat("a", 50)},
		{"longer than max", strings.Repeat("a", 60), 50, strings.Repeat("a", 50)},
		{"empty", "", 50, ""},
		{"zero max", "anything", 0, ""},
		{"multibyte runes not split", "ééééé", 3, "ééé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.max))
		})
	}
}

func TestNewStampsTimestamp(t *testing.T) {
	a := New(TypeEyeDiverted, "s1")
	assert.Equal(t, TypeEyeDiverted, a.Type)
	assert.Equal(t, "s1", a.SessionID)
	assert.False(t, a.Timestamp.IsZero())
}
