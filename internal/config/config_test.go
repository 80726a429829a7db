package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64*time.Second, cfg.Timeouts.Ringing)
	assert.Equal(t, PortAllocationSequential, cfg.Media.PortStrategy)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Settings)
	}{
		{"пустой listen_addr", func(s *Settings) { s.SIP.ListenAddr = "" }},
		{"неизвестная сеть", func(s *Settings) { s.SIP.Network = "sctp" }},
		{"диапазон портов", func(s *Settings) { s.Media.MinPort = s.Media.MaxPort }},
		{"нулевой шаг", func(s *Settings) { s.Media.PortStep = 0 }},
		{"стратегия", func(s *Settings) { s.Media.PortStrategy = "lottery" }},
		{"dtls без ключа", func(s *Settings) { s.Media.DTLSEnabled = true }},
		{"отрицательный лимит", func(s *Settings) { s.Limits.MaxChatSessions = -1 }},
		{"отрицательный размер", func(s *Settings) { s.Limits.MaxFileTransferSize = -5 }},
		{"нулевой ack таймаут", func(s *Settings) { s.Timeouts.Ack = 0 }},
		{"валидность возможностей", func(s *Settings) { s.Capabilities.Validity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCopy_Independent(t *testing.T) {
	orig := DefaultConfig()
	cp := orig.Copy()

	cp.Media.AcceptTypes[0] = "text/plain"
	cp.Limits.MaxChatSessions = 1

	assert.Equal(t, "message/cpim", orig.Media.AcceptTypes[0], "копия не должна менять оригинал")
	assert.Equal(t, 20, orig.Limits.MaxChatSessions)
	assert.Nil(t, (*Settings)(nil).Copy())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rcs.yaml")
	content := []byte(`
sip:
  listen_addr: 127.0.0.1:5070
limits:
  max_chat_sessions: 3
timeouts:
  ringing: 5s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("RCS_LIMITS_MAX_IP_CALL_SESSIONS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5070", cfg.SIP.ListenAddr)
	assert.Equal(t, 3, cfg.Limits.MaxChatSessions)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Ringing)
	assert.Equal(t, 4, cfg.Limits.MaxIPCallSessions)
	// Не заданные в файле значения берутся по умолчанию
	assert.Equal(t, 32*time.Second, cfg.Timeouts.Transaction)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
