package mockTransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rcs_core/pkg/signaling"
)

func newInvite(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri("sip:bob@example.com", &uri))
	req := sip.NewRequest(sip.INVITE, uri)
	callID := sip.CallIDHeader("call-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{Address: uri, Params: sip.HeaderParams{"tag": "a"}})
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.HeaderParams{}})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

func TestTransport_ScriptedResponses(t *testing.T) {
	tr := New()
	tr.Handle(sip.INVITE, func(ctx context.Context, req *sip.Request) []*sip.Response {
		return []*sip.Response{
			Reply(req, 180, "Ringing", nil),
			Reply(req, 200, "OK", []byte("v=0")),
		}
	})

	var provisional []int
	res, err := tr.SendRequestAndWait(context.Background(), newInvite(t), time.Second, func(r *sip.Response) {
		provisional = append(provisional, r.StatusCode)
	})
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, []int{180}, provisional, "предварительные ответы переданы в колбэк")
	tag, _ := res.Response.To().Params.Get("tag")
	assert.Equal(t, "remote-tag", tag)
	assert.Len(t, tr.Requests(sip.INVITE), 1)
}

func TestTransport_NoResponderTimesOut(t *testing.T) {
	tr := New()
	_, err := tr.SendRequestAndWait(context.Background(), newInvite(t), 50*time.Millisecond, nil)
	assert.ErrorIs(t, err, signaling.ErrTransactionTimeout)
}

func TestTransport_ResponsesAndWait(t *testing.T) {
	tr := New()
	tx := &ServerTx{}
	req := newInvite(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tr.SendResponse(context.Background(), tx, Reply(req, 486, "Busy Here", nil))
	}()

	res, ok := tr.WaitResponse(486, time.Second)
	require.True(t, ok, "ответ 486 не отправлен")
	assert.Equal(t, 486, res.StatusCode)
	assert.Equal(t, []int{486}, tr.StatusCodes())
	assert.Equal(t, 486, tx.Last().StatusCode)

	_, ok = tr.WaitRequest(sip.BYE, 30*time.Millisecond)
	assert.False(t, ok)
}

func TestTransport_FailSends(t *testing.T) {
	tr := New()
	boom := errors.New("сеть недоступна")
	tr.FailSends(boom)
	assert.ErrorIs(t, tr.SendRequest(context.Background(), newInvite(t)), boom)
	assert.Empty(t, tr.Requests())
}
