package msrp

import (
	"context"
	"net"
	"strconv"
	"syscall"

	"github.com/samber/oops"
)

// Listener ожидает входящее соединение пассивной стороны
type Listener struct {
	ln net.Listener
}

// Listen открывает TCP слушатель на host:port.
// Порт 0 выбирает свободный порт.
func Listen(ctx context.Context, host string, port int) (*Listener, error) {
	lc := net.ListenConfig{Control: controlListener}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, oops.In("msrp").With("addr", addr).Wrapf(err, "открытие слушателя")
	}
	return &Listener{ln: ln}, nil
}

// Port фактический порт слушателя
func (l *Listener) Port() int {
	if tcp, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Addr адрес слушателя
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept ждет одно входящее соединение до отмены ctx
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, oops.In("msrp").Wrapf(r.err, "прием соединения")
		}
		tuneConn(r.conn)
		return r.conn, nil
	case <-ctx.Done():
		_ = l.ln.Close()
		if r := <-ch; r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

// Close закрывает слушатель
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial устанавливает соединение активной стороны
func Dial(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Control: controlConn}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, oops.In("msrp").With("addr", address).Wrapf(err, "соединение с удаленной стороной")
	}
	return conn, nil
}

func tuneConn(conn net.Conn) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return
	}
	_ = controlConn("tcp", conn.RemoteAddr().String(), raw)
}
