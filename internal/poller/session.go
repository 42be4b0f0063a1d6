package poller

import (
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/pkg/errors"

	"modbus-bridge/internal/device"
)

// DefaultConnectTimeout bounds both the TCP connect and each register
// exchange for a session.
const DefaultConnectTimeout = 5 * time.Second

// Session is one short-lived connection to one device, owned by a single
// sweep iteration. It is opened, used for the device's reads, and closed
// before the sweep moves on; sessions are never pooled or reused.
type Session interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	Close() error
}

// Opener establishes sessions. A failed open means the device is skipped for
// the current sweep; there is no retry until the next sweep.
type Opener interface {
	Open(d device.Descriptor) (Session, error)
}

// TCPOpener opens Modbus TCP sessions.
type TCPOpener struct {
	Timeout time.Duration
	SlaveID byte
}

func (o TCPOpener) Open(d device.Descriptor) (Session, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	slave := o.SlaveID
	if slave == 0 {
		slave = 1
	}

	h := mb.NewTCPClientHandler(d.Addr())
	h.Timeout = timeout
	h.SlaveId = slave
	if err := h.Connect(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", d.Addr())
	}
	return &tcpSession{handler: h, client: mb.NewClient(h)}, nil
}

type tcpSession struct {
	handler *mb.TCPClientHandler
	client  mb.Client
}

func (s *tcpSession) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return s.client.ReadHoldingRegisters(address, quantity)
}

func (s *tcpSession) Close() error {
	return s.handler.Close()
}
