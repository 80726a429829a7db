package contacts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sip:+33600000001@ims.example.org", "+33600000001@ims.example.org"},
		{"<tel:+33600000001>", "+33600000001"},
		{" tel:+33600000001;phone-context=x ", "+33600000001"},
		{"+33600000001", "+33600000001"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestStore_BlockList(t *testing.T) {
	s := NewStore()

	assert.False(t, s.IsBlocked("tel:+33600000001"))

	s.Block("tel:+33600000001")
	assert.True(t, s.IsBlocked("+33600000001"), "ключ не зависит от схемы")

	s.Unblock("+33600000001")
	assert.False(t, s.IsBlocked("tel:+33600000001"))
}

func TestStore_Capabilities(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = func() time.Time { return now }

	_, ok := s.Capabilities("bob")
	assert.False(t, ok)
	assert.False(t, HasValidCapabilities(s, "bob", time.Hour, now), "неизвестный контакт не валиден")

	s.SetCapabilities("bob", Capabilities{Chat: true, Extensions: []string{"urn:ext"}})
	caps, ok := s.Capabilities("bob")
	require.True(t, ok)
	assert.True(t, caps.Chat)
	assert.Equal(t, now, caps.LastRefresh, "нулевое время заменяется текущим")

	assert.True(t, HasValidCapabilities(s, "bob", time.Hour, now.Add(time.Hour)))
	assert.False(t, HasValidCapabilities(s, "bob", time.Hour, now.Add(time.Hour+time.Second)))
}
