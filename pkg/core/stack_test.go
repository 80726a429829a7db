package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/internal/config"
	"github.com/arzzra/rcs_core/pkg/dialog_path"
	"github.com/arzzra/rcs_core/pkg/persistence"
	"github.com/arzzra/rcs_core/pkg/service"
	"github.com/arzzra/rcs_core/pkg/session"
	"github.com/arzzra/rcs_core/pkg/signaling/mockTransport"
)

func testSettings(minPort uint16) *config.Settings {
	s := config.DefaultConfig()
	s.SIP.ListenAddr = "127.0.0.1:0"
	s.SIP.Domain = "example.com"
	s.SIP.LocalUser = "alice"
	s.Media.MinPort = minPort
	s.Media.MaxPort = minPort + 18
	s.Timeouts.Transaction = 5 * time.Second
	s.Metrics.Enabled = false
	return s
}

type events struct {
	mu  sync.Mutex
	all []session.Event
}

func (e *events) OnSessionEvent(ev session.Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) terminal(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.all {
		if ev.SessionID == sessionID && ev.Type.IsTerminal() {
			return true
		}
	}
	return false
}

func TestNew_Defaults(t *testing.T) {
	tr := mockTransport.New()
	stack, err := New(Options{Settings: testSettings(37400), Transport: tr})
	require.NoError(t, err)
	defer stack.Close()

	assert.NotNil(t, stack.IM())
	assert.NotNil(t, stack.IPCall())
	assert.NotNil(t, stack.Sip())
	assert.NotNil(t, stack.Richcall())
	assert.Same(t, tr, stack.Transport())
	assert.IsType(t, &persistence.Recorder{}, stack.Store(), "без журнала история хранится в памяти")

	// запрос без признаков отклоняется диспетчером
	var from, to sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com", &from))
	require.NoError(t, sip.ParseUri("sip:alice@example.com", &to))
	req, err := dialog_path.New("core-test", from, to).BuildInvite(from, "", nil)
	require.NoError(t, err)
	tx := &mockTransport.ServerTx{}
	stack.Dispatcher().HandleInvite(req, tx)
	require.NotNil(t, tx.Last())
	assert.Equal(t, 606, tx.Last().StatusCode)
}

func TestNew_Journal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.cbor")
	settings := testSettings(37440)
	settings.Persistence.JournalPath = path

	stack, err := New(Options{Settings: settings, Transport: mockTransport.New()})
	require.NoError(t, err)
	_, ok := stack.Store().(*persistence.Journal)
	assert.True(t, ok, "задан путь журнала")

	stack.Store().SpamRejected(persistence.SpamRejection{Contact: "sip:bob@example.com", Reason: "REJECTED_SPAM"})
	stack.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := persistence.ReadJournal(f)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, persistence.RecordSpam, records[0].Type)
}

func TestNew_InvalidSettings(t *testing.T) {
	settings := testSettings(37480)
	settings.SIP.Network = "sctp"

	_, err := New(Options{Settings: settings, Transport: mockTransport.New()})
	assert.Error(t, err)
}

func TestLocalAddresses(t *testing.T) {
	tests := []struct {
		name        string
		listen      string
		wantContact string
		wantErr     bool
	}{
		{"конкретный адрес", "10.0.0.5:5070", "sip:alice@10.0.0.5:5070", false},
		{"любой адрес заменяется именем хоста", "0.0.0.0:5060", "sip:alice@rcs.local:5060", false},
		{"пустой хост", ":5060", "sip:alice@rcs.local:5060", false},
		{"нет порта", "10.0.0.5", "", true},
		{"порт не число", "10.0.0.5:sip", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.SIPConfig{ListenAddr: tt.listen, Hostname: "rcs.local", LocalUser: "alice", Domain: "example.com"}
			local, contact, err := localAddresses(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "sip:alice@example.com", local.String())
			assert.Equal(t, tt.wantContact, contact.String())
		})
	}
}

func TestClose_AbortsSessions(t *testing.T) {
	sink := &events{}
	stack, err := New(Options{Settings: testSettings(37520), Transport: mockTransport.New(), Sink: sink})
	require.NoError(t, err)

	chat, err := stack.IM().InitiateOneToOneChat("sip:bob@example.com", nil)
	require.NoError(t, err)

	stack.Close()
	stack.Close()

	assert.Eventually(t, func() bool { return sink.terminal(chat.ID()) },
		3*time.Second, 10*time.Millisecond, "сессия завершена при остановке стека")
}

func TestRun_StopsOnCancel(t *testing.T) {
	stack, err := New(Options{Settings: testSettings(37560), Transport: mockTransport.New(), Sink: service.EventSinkFunc(func(session.Event) {})})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stack.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run не завершился после отмены контекста")
	}
}
