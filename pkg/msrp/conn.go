package msrp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrConnClosed соединение закрыто
	ErrConnClosed = errors.New("msrp connection closed")
)

// DefaultMaxChunkSize размер тела чанка при разбиении сообщений
const DefaultMaxChunkSize = 10 * 1024

// MessageHandler получает полностью собранное входящее сообщение
type MessageHandler func(messageID, contentType string, body []byte)

// Conn соединение MSRP одной сессии
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader

	localPath  string
	remotePath string

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Chunk

	assembly map[string]*incoming

	maxChunkSize int
	onMessage    MessageHandler

	lastActivity atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error

	logger *slog.Logger
}

type incoming struct {
	contentType string
	body        []byte
}

// ConnOption опция соединения
type ConnOption func(*Conn)

// WithMessageHandler задает обработчик входящих сообщений
func WithMessageHandler(h MessageHandler) ConnOption {
	return func(c *Conn) {
		c.onMessage = h
	}
}

// WithMaxChunkSize задает максимальный размер тела чанка
func WithMaxChunkSize(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.maxChunkSize = n
		}
	}
}

// WithConnLogger задает логгер
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = l
	}
}

// NewConn оборачивает установленное TCP соединение
func NewConn(conn net.Conn, localPath, remotePath string, opts ...ConnOption) *Conn {
	c := &Conn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		localPath:    localPath,
		remotePath:   remotePath,
		pending:      make(map[string]chan *Chunk),
		assembly:     make(map[string]*incoming),
		maxChunkSize: DefaultMaxChunkSize,
		closed:       make(chan struct{}),
		logger:       slog.Default().With(slog.String("component", "msrp")),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.touch()
	return c
}

// Start запускает чтение входящих чанков. Повторный вызов ничего не делает.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// LocalPath локальный путь
func (c *Conn) LocalPath() string {
	return c.localPath
}

// RemotePath путь удаленной стороны
func (c *Conn) RemotePath() string {
	return c.remotePath
}

// LastActivity время последнего принятого или отправленного чанка
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Done закрывается при закрытии соединения
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err причина закрытия соединения, nil при локальном Close
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) readLoop() {
	for {
		chunk, err := ReadChunk(c.reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.fail(err)
			}
			return
		}
		c.touch()

		if !chunk.IsRequest() {
			c.deliverResponse(chunk)
			continue
		}

		if chunk.Method == MethodSend {
			if err := c.write(NewResponse(chunk, 200, "OK")); err != nil {
				c.fail(err)
				return
			}
			if !chunk.IsEmpty() {
				c.assemble(chunk)
			}
		}
	}
}

func (c *Conn) assemble(chunk *Chunk) {
	in, ok := c.assembly[chunk.MessageID]
	if !ok {
		in = &incoming{contentType: chunk.ContentType}
		c.assembly[chunk.MessageID] = in
	}
	in.body = append(in.body, chunk.Body...)

	switch chunk.Flag {
	case FlagContinuation:
		return
	case FlagAbort:
		delete(c.assembly, chunk.MessageID)
		return
	}

	delete(c.assembly, chunk.MessageID)
	if c.onMessage != nil {
		c.onMessage(chunk.MessageID, in.contentType, in.body)
	}
}

func (c *Conn) deliverResponse(chunk *Chunk) {
	c.pendingMu.Lock()
	ch, ok := c.pending[chunk.TransactionID]
	delete(c.pending, chunk.TransactionID)
	c.pendingMu.Unlock()

	if ok {
		ch <- chunk
	}
}

func (c *Conn) write(chunk *Chunk) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	if err := chunk.Encode(c.conn); err != nil {
		return err
	}
	c.touch()
	return nil
}

// Send отправляет запрос и ждет ответ. Ответ не 200 возвращается как ошибка.
func (c *Conn) Send(ctx context.Context, chunk *Chunk) error {
	wait := make(chan *Chunk, 1)
	c.pendingMu.Lock()
	c.pending[chunk.TransactionID] = wait
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, chunk.TransactionID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(chunk); err != nil {
		return err
	}

	select {
	case res := <-wait:
		if res.StatusCode != 200 {
			return fmt.Errorf("msrp %s rejected: %d %s", chunk.Method, res.StatusCode, res.Comment)
		}
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendEmptyChunk отправляет пустой SEND и ждет подтверждения.
// Используется активной стороной сразу после соединения и как keep-alive.
func (c *Conn) SendEmptyChunk(ctx context.Context) error {
	return c.Send(ctx, NewEmptyChunk(c.remotePath, c.localPath))
}

// SendMessage отправляет сообщение, разбивая его на чанки
func (c *Conn) SendMessage(ctx context.Context, contentType string, body []byte) (string, error) {
	messageID := newTransactionID()
	total := int64(len(body))

	for offset := 0; offset < len(body) || offset == 0; {
		end := offset + c.maxChunkSize
		flag := FlagContinuation
		if end >= len(body) {
			end = len(body)
			flag = FlagComplete
		}

		chunk := &Chunk{
			TransactionID: newTransactionID(),
			Method:        MethodSend,
			ToPath:        c.remotePath,
			FromPath:      c.localPath,
			MessageID:     messageID,
			ByteRange:     ByteRange{Start: int64(offset) + 1, End: int64(end), Total: total},
			ContentType:   contentType,
			Body:          body[offset:end],
			Flag:          flag,
		}
		if err := c.Send(ctx, chunk); err != nil {
			return messageID, err
		}
		if flag == FlagComplete {
			break
		}
		offset = end
	}
	return messageID, nil
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()

	c.logger.Debug("соединение MSRP разорвано", slog.String("remote_path", c.remotePath), slog.Any("error", err))
	_ = c.Close()
}

// Close закрывает соединение. Повторный вызов ничего не делает.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
