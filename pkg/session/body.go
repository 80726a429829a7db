package session

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

const (
	contentTypeSDP       = "application/sdp"
	contentTypeMultipart = "multipart/mixed"
	contentTypeCPIM      = "message/cpim"
)

// BodyPart часть тела SIP сообщения
type BodyPart struct {
	ContentType string
	Content     []byte
}

// ParseBody разбирает тело сообщения на части. Тело не multipart
// возвращается одной частью.
func ParseBody(contentType string, body []byte) []BodyPart {
	if len(body) == 0 {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return []BodyPart{{ContentType: contentType, Content: body}}
	}

	var parts []BodyPart
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		content, err := io.ReadAll(part)
		if err != nil {
			break
		}
		parts = append(parts, BodyPart{ContentType: part.Header.Get("Content-Type"), Content: content})
	}
	return parts
}

// ExtractSDP возвращает SDP часть тела или nil
func ExtractSDP(contentType string, body []byte) []byte {
	for _, part := range ParseBody(contentType, body) {
		if isType(part.ContentType, contentTypeSDP) {
			return part.Content
		}
	}
	return nil
}

// FirstMessage возвращает первое сообщение чата из тела INVITE
func FirstMessage(contentType string, body []byte) (BodyPart, bool) {
	for _, part := range ParseBody(contentType, body) {
		if !isType(part.ContentType, contentTypeSDP) {
			return part, true
		}
	}
	return BodyPart{}, false
}

// BuildMultipart собирает multipart/mixed тело из частей
func BuildMultipart(parts ...BodyPart) (string, []byte) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.SetBoundary("boundary" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	for _, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", p.ContentType)
		pw, err := w.CreatePart(header)
		if err != nil {
			continue
		}
		_, _ = pw.Write(p.Content)
	}
	_ = w.Close()
	return contentTypeMultipart + "; boundary=" + w.Boundary(), buf.Bytes()
}

func isType(contentType, want string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(contentType), want)
	}
	return strings.EqualFold(mediaType, want)
}

// Payload содержимое сообщения. Обертка CPIM снимается: возвращаются тип
// и тело из MIME заголовков внутри нее.
func (p BodyPart) Payload() BodyPart {
	if !isType(p.ContentType, contentTypeCPIM) {
		return p
	}
	rest := p.Content
	// заголовки CPIM, затем MIME заголовки содержимого
	for i := 0; i < 2; i++ {
		head, body, ok := cutHeaders(rest)
		if !ok {
			break
		}
		for _, line := range strings.Split(string(head), "\n") {
			name, value, found := strings.Cut(strings.TrimSpace(line), ":")
			if found && strings.EqualFold(strings.TrimSpace(name), "Content-Type") {
				return BodyPart{ContentType: strings.TrimSpace(value), Content: body}
			}
		}
		rest = body
	}
	return p
}

func cutHeaders(b []byte) (head, body []byte, ok bool) {
	if head, body, ok = bytes.Cut(b, []byte("\r\n\r\n")); ok {
		return head, body, true
	}
	return bytes.Cut(b, []byte("\n\n"))
}
