package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte stream to the panel. net.Conn satisfies it
// directly; serial ports are wrapped to translate deadlines.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// Dialer opens a Transport. The link takes ownership of the returned
// transport and closes it on teardown.
type Dialer func(ctx context.Context) (Transport, error)

// TCPDialer connects to a panel reachable over an IP module or an
// IP-to-serial adapter.
func TCPDialer(host string, port int) Dialer {
	return func(ctx context.Context) (Transport, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return conn.(*net.TCPConn), nil
	}
}

// SerialDialer opens a local serial port to the panel.
func SerialDialer(device string, baudRate int) Dialer {
	return func(ctx context.Context) (Transport, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(device, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
		}
		return &serialTransport{port: port}, nil
	}
}

// serialTransport adapts go.bug.st/serial's read timeout to the
// deadline interface the read loop uses.
type serialTransport struct {
	port serial.Port
}

func (s *serialTransport) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialTransport) Close() error {
	return s.port.Close()
}

func (s *serialTransport) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		return s.port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return s.port.SetReadTimeout(d)
}
