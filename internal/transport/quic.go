package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

// QUICTransport carries one session's envelopes over a single
// bidirectional QUIC stream, framed with EncodeFrame/ReadFrame.
type QUICTransport struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

// OpenQUIC dials addr and opens one bidirectional stream for the
// session's lifetime. subprotocol becomes the ALPN value, mirroring the
// spec's ltp.v<version> subprotocol over a transport that (unlike
// WebSocket) has no native subprotocol negotiation of its own.
func OpenQUIC(ctx context.Context, addr, subprotocol string, insecureSkipVerify bool) (*QUICTransport, error) {
	tlsConf, err := quicClientTLSConfig(subprotocol, insecureSkipVerify)
	if err != nil {
		return nil, fmt.Errorf("transport: tls config: %w", err)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return &QUICTransport{conn: conn, stream: stream}, nil
}

func (t *QUICTransport) Send(ctx context.Context, text []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.stream.SetWriteDeadline(dl)
	}
	if err := WriteFrame(t.stream, text); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

func (t *QUICTransport) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.stream.SetReadDeadline(dl)
	}
	payload, err := ReadFrame(t.stream)
	if err != nil {
		return nil, &ClosedError{Err: err}
	}
	return payload, nil
}

func (t *QUICTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stream.Close()
		t.closeErr = t.conn.CloseWithError(0, "client closing")
	})
	return t.closeErr
}

// quicClientTLSConfig pins to a self-signed dev certificate derived
// deterministically from the subprotocol string, following the
// teacher's devTLSCert pattern in internal/network/quic.go for
// same-process dev/test dialing without a CA.
func quicClientTLSConfig(subprotocol string, insecureSkipVerify bool) (*tls.Config, error) {
	if insecureSkipVerify {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{subprotocol},
		}, nil
	}
	_, der, err := devTLSCert(subprotocol)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{subprotocol},
	}, nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func devTLSCert(subprotocol string) (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("ltp-client-quic-dev-key-" + subprotocol))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}
