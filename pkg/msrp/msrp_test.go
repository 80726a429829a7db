package msrp

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_EncodeDecodeSend(t *testing.T) {
	orig := &Chunk{
		TransactionID: "a786hjs2",
		Method:        MethodSend,
		ToPath:        "msrp://bob.example.com:8888/9di4eae923wzd;tcp",
		FromPath:      "msrp://alicepc.example.com:7777/iau39soe2843z;tcp",
		MessageID:     "87652491",
		ByteRange:     ByteRange{Start: 1, End: 25, Total: 25},
		ContentType:   "text/plain",
		Body:          []byte("Hey Bob, are you there?\r\n"),
		Flag:          FlagComplete,
	}

	var buf bytes.Buffer
	require.NoError(t, orig.Encode(&buf))
	assert.True(t, strings.HasSuffix(buf.String(), "-------a786hjs2$\r\n"))

	got, err := ReadChunk(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, orig.TransactionID, got.TransactionID)
	assert.Equal(t, MethodSend, got.Method)
	assert.Equal(t, orig.ToPath, got.ToPath)
	assert.Equal(t, orig.ByteRange, got.ByteRange)
	assert.Equal(t, orig.Body, got.Body, "тело может содержать CRLF")
	assert.Equal(t, FlagComplete, got.Flag)
}

func TestChunk_EmptyAndResponse(t *testing.T) {
	empty := NewEmptyChunk("msrp://b:2/x;tcp", "msrp://a:1/y;tcp")
	assert.True(t, empty.IsEmpty())

	var buf bytes.Buffer
	require.NoError(t, empty.Encode(&buf))
	assert.Contains(t, buf.String(), "Byte-Range: 1-0/0")

	got, err := ReadChunk(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())

	res := NewResponse(got, 200, "OK")
	buf.Reset()
	require.NoError(t, res.Encode(&buf))

	parsed, err := ReadChunk(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.False(t, parsed.IsRequest())
	assert.Equal(t, 200, parsed.StatusCode)
	assert.Equal(t, "OK", parsed.Comment)
	assert.Equal(t, "msrp://a:1/y;tcp", parsed.ToPath)
}

func TestReadChunk_Malformed(t *testing.T) {
	tests := []string{
		"HTTP/1.1 200 OK\r\n\r\n",
		"MSRP abc\r\n",
		"MSRP abc SEND\r\nTo-Path x\r\n",
		"MSRP abc SEND\r\nByte-Range: x-y/z\r\n-------abc$\r\n",
		"MSRP abc SEND\r\nTo-Path: x\r\n\r\nbody без завершения",
	}
	for _, in := range tests {
		_, err := ReadChunk(bufio.NewReader(strings.NewReader(in)))
		assert.Error(t, err, in)
	}
}

func TestByteRange(t *testing.T) {
	br, err := parseByteRange("1-*/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), br.End)
	assert.Equal(t, int64(-1), br.Total)
	assert.Equal(t, "1-*/*", br.String())

	br, err = parseByteRange("11-20/20")
	require.NoError(t, err)
	assert.Equal(t, ByteRange{Start: 11, End: 20, Total: 20}, br)
}

func TestPath(t *testing.T) {
	p := NewPath("10.0.0.1", 20000, false)
	assert.Len(t, p.SessionID, 20)

	parsed, err := ParsePath(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	secured, err := ParsePath("msrp://relay:1/a;tcp msrps://[2001:db8::1]:2855/xyz;tcp")
	require.NoError(t, err)
	assert.True(t, secured.Secured)
	assert.Equal(t, "2001:db8::1", secured.Host)
	assert.Equal(t, "[2001:db8::1]:2855", secured.Address())

	for _, bad := range []string{"http://x:1/a", "msrp://x:1", "msrp://x/a", "msrp://x:1/;tcp"} {
		_, err := ParsePath(bad)
		assert.Error(t, err, bad)
	}
}

// соединяет пассивную и активную стороны через настоящий TCP слушатель
func connectPair(t *testing.T, onMessage MessageHandler) (active, passive *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := Listen(ctx, "127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()

	activePath := NewPath("127.0.0.1", 9, false).String()
	passivePath := NewPath("127.0.0.1", ln.Port(), false).String()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	raw, err := Dial(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(ln.Port())))
	require.NoError(t, err)

	passiveRaw, ok := <-accepted
	require.True(t, ok, "пассивная сторона должна принять соединение")

	active = NewConn(raw, activePath, passivePath, WithMaxChunkSize(8))
	passive = NewConn(passiveRaw, passivePath, activePath, WithMessageHandler(onMessage))
	active.Start()
	passive.Start()
	t.Cleanup(func() {
		_ = active.Close()
		_ = passive.Close()
	})
	return active, passive
}

func TestConn_EmptyChunkProbe(t *testing.T) {
	active, _ := connectPair(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, active.SendEmptyChunk(ctx), "пассивная сторона отвечает 200 на пустой чанк")
	assert.WithinDuration(t, time.Now(), active.LastActivity(), time.Second)
}

func TestConn_SendMessageChunked(t *testing.T) {
	var mu sync.Mutex
	received := make(chan []byte, 1)
	active, _ := connectPair(t, func(id, ct string, body []byte) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "text/plain", ct)
		received <- body
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := []byte("сообщение длиннее одного чанка")
	_, err := active.SendMessage(ctx, "text/plain", msg)
	require.NoError(t, err)

	select {
	case body := <-received:
		assert.Equal(t, msg, body, "чанки собираются в исходное сообщение")
	case <-ctx.Done():
		t.Fatal("сообщение не получено")
	}
}

func TestConn_RemoteCloseDetected(t *testing.T) {
	active, passive := connectPair(t, nil)

	require.NoError(t, passive.Close())
	require.NoError(t, passive.Close(), "повторное закрытие безопасно")

	select {
	case <-active.Done():
		assert.Error(t, active.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("разрыв соединения не обнаружен")
	}

	err := active.SendEmptyChunk(context.Background())
	assert.Error(t, err)
}

func TestListener_AcceptTimeout(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
