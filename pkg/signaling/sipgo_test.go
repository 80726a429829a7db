package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/metrics"
)

const testServerAddr = "127.0.0.1:15098"

func startTestServer(t *testing.T, handler func(req *sip.Request, tx sip.ServerTransaction)) {
	t.Helper()
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("rcs-test-server"))
	require.NoError(t, err)
	srv, err := sipgo.NewServer(ua)
	require.NoError(t, err)
	srv.OnInvite(handler)
	srv.OnOptions(handler)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = ua.Close()
	})
	go func() {
		_ = srv.ListenAndServe(ctx, "udp", testServerAddr)
	}()
	time.Sleep(100 * time.Millisecond)
}

func newTestTransport(t *testing.T, m *metrics.Collector) *SipgoTransport {
	t.Helper()
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("rcs-test-client"))
	require.NoError(t, err)
	tr, err := NewSipgoTransport(ua, m)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tr.Close()
		_ = ua.Close()
	})
	return tr
}

func TestSipgoTransport_ProvisionalThenFinal(t *testing.T) {
	startTestServer(t, func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil))
		// ответы разбираются клиентом параллельно, 200 не должен обогнать 180
		time.Sleep(50 * time.Millisecond)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})

	m := metrics.New(metrics.DefaultConfig())
	tr := newTestTransport(t, m)

	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@"+testServerAddr, &uri))
	// предварительные ответы бывают только у INVITE
	req := sip.NewRequest(sip.INVITE, uri)

	var provisional []int
	res, err := tr.SendRequestAndWait(context.Background(), req, 3*time.Second, func(r *sip.Response) {
		provisional = append(provisional, r.StatusCode)
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.True(t, res.IsSuccess())
	assert.Contains(t, provisional, 180)

	count := testutil.CollectAndCount(m.Registry(), "rcs_signaling_transactions_total")
	assert.Equal(t, 1, count, "транзакция учтена в метриках")
}

func TestSipgoTransport_Timeout(t *testing.T) {
	tr := newTestTransport(t, nil)

	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:nobody@127.0.0.1:15097", &uri))
	req := sip.NewRequest(sip.OPTIONS, uri)

	_, err := tr.SendRequestAndWait(context.Background(), req, 200*time.Millisecond, nil)
	require.Error(t, err)
}

func TestSipgoTransport_SendResponseWithoutTx(t *testing.T) {
	tr := newTestTransport(t, nil)
	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com", &uri))
	req := sip.NewRequest(sip.INVITE, uri)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            5060,
		Params:          sip.HeaderParams{"branch": sip.GenerateBranch()},
	})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}, Params: sip.HeaderParams{"tag": "a1"}})
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader("call-no-tx")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	err := tr.SendResponse(context.Background(), nil, sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
	assert.Error(t, err)
}
