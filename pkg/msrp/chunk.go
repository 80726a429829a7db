// Package msrp реализует минимальный транспорт MSRP поверх TCP:
// кадрирование чанков, ответы на SEND, пустой чанк как проверку пути
// и отправку сообщений с разбиением на чанки.
package msrp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Методы MSRP
const (
	MethodSend   = "SEND"
	MethodReport = "REPORT"
)

// Флаги продолжения в строке завершения чанка
const (
	FlagComplete     byte = '$'
	FlagContinuation byte = '+'
	FlagAbort        byte = '#'
)

const endLineDashes = "-------"

var (
	// ErrMalformedChunk чанк не соответствует формату
	ErrMalformedChunk = errors.New("malformed msrp chunk")
)

// ByteRange значение заголовка Byte-Range. End и Total -1 означают "*".
type ByteRange struct {
	Start int64
	End   int64
	Total int64
}

// String форматирует значение заголовка
func (r ByteRange) String() string {
	end, total := "*", "*"
	if r.End >= 0 {
		end = strconv.FormatInt(r.End, 10)
	}
	if r.Total >= 0 {
		total = strconv.FormatInt(r.Total, 10)
	}
	return fmt.Sprintf("%d-%s/%s", r.Start, end, total)
}

func parseByteRange(v string) (ByteRange, error) {
	var r ByteRange
	dash := strings.IndexByte(v, '-')
	slash := strings.IndexByte(v, '/')
	if dash <= 0 || slash <= dash {
		return r, fmt.Errorf("%w: byte-range %q", ErrMalformedChunk, v)
	}
	var err error
	if r.Start, err = strconv.ParseInt(v[:dash], 10, 64); err != nil {
		return r, fmt.Errorf("%w: byte-range %q", ErrMalformedChunk, v)
	}
	if end := v[dash+1 : slash]; end == "*" {
		r.End = -1
	} else if r.End, err = strconv.ParseInt(end, 10, 64); err != nil {
		return r, fmt.Errorf("%w: byte-range %q", ErrMalformedChunk, v)
	}
	if total := v[slash+1:]; total == "*" {
		r.Total = -1
	} else if r.Total, err = strconv.ParseInt(total, 10, 64); err != nil {
		return r, fmt.Errorf("%w: byte-range %q", ErrMalformedChunk, v)
	}
	return r, nil
}

// Chunk запрос или ответ MSRP.
// У запроса заполнен Method, у ответа - StatusCode.
type Chunk struct {
	TransactionID string
	Method        string
	StatusCode    int
	Comment       string

	ToPath      string
	FromPath    string
	MessageID   string
	ByteRange   ByteRange
	ContentType string
	Headers     map[string]string

	Body []byte
	Flag byte
}

// IsRequest true для SEND и REPORT
func (c *Chunk) IsRequest() bool {
	return c.Method != ""
}

// IsEmpty true для SEND без тела (проверка пути)
func (c *Chunk) IsEmpty() bool {
	return c.Method == MethodSend && len(c.Body) == 0
}

// NewEmptyChunk создает пустой SEND, которым активная сторона
// подтверждает установленное соединение.
func NewEmptyChunk(toPath, fromPath string) *Chunk {
	return &Chunk{
		TransactionID: newTransactionID(),
		Method:        MethodSend,
		ToPath:        toPath,
		FromPath:      fromPath,
		MessageID:     newTransactionID(),
		ByteRange:     ByteRange{Start: 1, End: 0, Total: 0},
		Flag:          FlagComplete,
	}
}

// NewResponse создает ответ на запрос. To-Path ответа - From-Path запроса.
func NewResponse(req *Chunk, status int, comment string) *Chunk {
	return &Chunk{
		TransactionID: req.TransactionID,
		StatusCode:    status,
		Comment:       comment,
		ToPath:        req.FromPath,
		FromPath:      req.ToPath,
		Flag:          FlagComplete,
	}
}

// Encode записывает чанк в w в формате MSRP
func (c *Chunk) Encode(w io.Writer) error {
	var b bytes.Buffer

	if c.IsRequest() {
		fmt.Fprintf(&b, "MSRP %s %s\r\n", c.TransactionID, c.Method)
	} else {
		fmt.Fprintf(&b, "MSRP %s %03d", c.TransactionID, c.StatusCode)
		if c.Comment != "" {
			b.WriteString(" " + c.Comment)
		}
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "To-Path: %s\r\n", c.ToPath)
	fmt.Fprintf(&b, "From-Path: %s\r\n", c.FromPath)

	if c.IsRequest() {
		if c.MessageID != "" {
			fmt.Fprintf(&b, "Message-ID: %s\r\n", c.MessageID)
		}
		if c.Method == MethodSend {
			fmt.Fprintf(&b, "Byte-Range: %s\r\n", c.ByteRange)
		}
	}
	for k, v := range c.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}

	if len(c.Body) > 0 {
		ct := c.ContentType
		if ct == "" {
			ct = "text/plain"
		}
		fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", ct)
		b.Write(c.Body)
		b.WriteString("\r\n")
	}

	flag := c.Flag
	if flag == 0 {
		flag = FlagComplete
	}
	fmt.Fprintf(&b, "%s%s%c\r\n", endLineDashes, c.TransactionID, flag)

	_, err := w.Write(b.Bytes())
	return err
}

// ReadChunk читает один чанк из r
func ReadChunk(r *bufio.Reader) (*Chunk, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	fields := strings.SplitN(line, " ", 4)
	if len(fields) < 3 || fields[0] != "MSRP" {
		return nil, fmt.Errorf("%w: start line %q", ErrMalformedChunk, line)
	}

	c := &Chunk{TransactionID: fields[1]}
	if code, convErr := strconv.Atoi(fields[2]); convErr == nil && len(fields[2]) == 3 {
		c.StatusCode = code
		if len(fields) == 4 {
			c.Comment = fields[3]
		}
	} else {
		c.Method = fields[2]
	}

	endLine := endLineDashes + c.TransactionID

	// заголовки
	for {
		line, err = readLine(r)
		if err != nil {
			return nil, err
		}
		if isEndLine(line, endLine) {
			c.Flag = line[len(line)-1]
			return c, nil
		}
		if line == "" {
			break
		}
		if err := c.setHeader(line); err != nil {
			return nil, err
		}
	}

	// тело до строки завершения
	var body bytes.Buffer
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected end of body: %v", ErrMalformedChunk, err)
		}
		trimmed := strings.TrimRight(string(raw), "\r\n")
		if isEndLine(trimmed, endLine) {
			c.Flag = trimmed[len(trimmed)-1]
			break
		}
		body.Write(raw)
	}
	c.Body = bytes.TrimSuffix(body.Bytes(), []byte("\r\n"))
	return c, nil
}

func (c *Chunk) setHeader(line string) error {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("%w: header %q", ErrMalformedChunk, line)
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "to-path":
		c.ToPath = value
	case "from-path":
		c.FromPath = value
	case "message-id":
		c.MessageID = value
	case "content-type":
		c.ContentType = value
	case "byte-range":
		br, err := parseByteRange(value)
		if err != nil {
			return err
		}
		c.ByteRange = br
	default:
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[strings.TrimSpace(name)] = value
	}
	return nil
}

func isEndLine(line, prefix string) bool {
	if len(line) != len(prefix)+1 || !strings.HasPrefix(line, prefix) {
		return false
	}
	switch line[len(line)-1] {
	case FlagComplete, FlagContinuation, FlagAbort:
		return true
	}
	return false
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return "", io.EOF
		}
		if line == "" {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}
