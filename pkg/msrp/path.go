package msrp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Path URI MSRP вида msrp://host:port/session-id;tcp
type Path struct {
	Secured   bool
	Host      string
	Port      int
	SessionID string
}

// NewPath создает локальный путь с новым идентификатором сессии
func NewPath(host string, port int, secured bool) Path {
	return Path{
		Secured:   secured,
		Host:      host,
		Port:      port,
		SessionID: strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
	}
}

// String форматирует путь
func (p Path) String() string {
	scheme := "msrp"
	if p.Secured {
		scheme = "msrps"
	}
	return fmt.Sprintf("%s://%s/%s;tcp", scheme, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), p.SessionID)
}

// Address адрес для установления TCP соединения
func (p Path) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ParsePath разбирает URI пути. Из списка путей через пробел берется последний,
// он указывает на удаленную сторону.
func ParsePath(s string) (Path, error) {
	var p Path
	s = strings.TrimSpace(s)
	if fields := strings.Fields(s); len(fields) > 1 {
		s = fields[len(fields)-1]
	}

	switch {
	case strings.HasPrefix(s, "msrps://"):
		p.Secured = true
		s = strings.TrimPrefix(s, "msrps://")
	case strings.HasPrefix(s, "msrp://"):
		s = strings.TrimPrefix(s, "msrp://")
	default:
		return p, fmt.Errorf("%w: path scheme %q", ErrMalformedChunk, s)
	}

	authority, rest, ok := strings.Cut(s, "/")
	if !ok {
		return p, fmt.Errorf("%w: path without session id %q", ErrMalformedChunk, s)
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return p, fmt.Errorf("%w: path authority %q", ErrMalformedChunk, authority)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return p, fmt.Errorf("%w: path port %q", ErrMalformedChunk, portStr)
	}
	sessionID, _, _ := strings.Cut(rest, ";")
	if sessionID == "" {
		return p, fmt.Errorf("%w: empty session id", ErrMalformedChunk)
	}

	p.Host = host
	p.Port = port
	p.SessionID = sessionID
	return p, nil
}

func newTransactionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
