package media_negotiator

import (
	"context"
	"net"

	"github.com/pion/dtls/v2"
	"github.com/samber/oops"
)

// dtlsConfig конфигурация DTLS-PSK для RTP потока
func (n *Negotiator) dtlsConfig(ctx context.Context) *dtls.Config {
	psk := n.psk
	return &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk, nil
		},
		PSKIdentityHint: []byte(n.cfg.DTLSIdentity),
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithCancel(ctx)
		},
	}
}

// handshakeDTLS выполняет рукопожатие поверх подключенного UDP сокета.
// Активная сторона выступает клиентом, пассивная - сервером.
func (n *Negotiator) handshakeDTLS(ctx context.Context, conn net.Conn, role SetupRole) (net.Conn, error) {
	cfg := n.dtlsConfig(ctx)

	var (
		secured *dtls.Conn
		err     error
	)
	if role.IsActive() {
		secured, err = dtls.ClientWithContext(ctx, conn, cfg)
	} else {
		secured, err = dtls.ServerWithContext(ctx, conn, cfg)
	}
	if err != nil {
		return nil, oops.In("media").Code("dtls_failed").With("setup", string(role)).Wrapf(err, "DTLS рукопожатие")
	}
	return secured, nil
}
