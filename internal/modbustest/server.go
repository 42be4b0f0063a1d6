// Package modbustest provides a minimal in-process Modbus TCP server for
// exercising the real client path in tests. It answers read-holding-registers
// requests from a small register bank and returns proper exception responses
// for anything else, so both the success and the protocol-fault paths can be
// driven over a loopback connection.
package modbustest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

const (
	functionReadHoldingRegs = 0x03

	// ExceptionIllegalFunction is returned for unsupported function codes.
	ExceptionIllegalFunction = 0x01
	// ExceptionIllegalDataAddr is returned for reads beyond the register bank.
	ExceptionIllegalDataAddr = 0x02
	// ExceptionIllegalDataVal is returned for a zero or oversized quantity.
	ExceptionIllegalDataVal = 0x03
)

// Server is a loopback Modbus TCP server backed by a fixed holding register
// bank. Zero value is not usable; construct with NewServer.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	holding  []uint16
	failNext bool
}

// NewServer creates a server whose register bank holds size registers,
// addresses [0, size).
func NewServer(size int) *Server {
	return &Server{
		holding: make([]uint16, size),
		quit:    make(chan struct{}),
	}
}

// Start listens on an ephemeral loopback port and returns the dial address.
func (s *Server) Start() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.listener = l
	s.wg.Add(1)
	go s.acceptLoop()
	return l.Addr().String(), nil
}

// SetHolding seeds consecutive register values starting at address.
func (s *Server) SetHolding(address uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		idx := int(address) + i
		if idx < len(s.holding) {
			s.holding[idx] = v
		}
	}
}

// DropNextRequest makes the server close the connection instead of answering
// the next request, simulating a transport fault mid-read.
func (s *Server) DropNextRequest() {
	s.mu.Lock()
	s.failNext = true
	s.mu.Unlock()
}

// Close stops listening and waits for connection handlers to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(header[4:6])
		if length < 2 {
			continue
		}
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		s.mu.Lock()
		drop := s.failNext
		s.failNext = false
		s.mu.Unlock()
		if drop {
			return
		}

		response := s.handlePDU(pdu)

		// Transaction ID and unit ID echo the request.
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 || pdu[0] != functionReadHoldingRegs {
		fn := byte(0x80)
		if len(pdu) > 0 {
			fn = pdu[0] | 0x80
		}
		return []byte{fn, ExceptionIllegalFunction}
	}
	if len(pdu) < 5 {
		return []byte{functionReadHoldingRegs | 0x80, ExceptionIllegalDataVal}
	}

	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > 125 {
		return []byte{functionReadHoldingRegs | 0x80, ExceptionIllegalDataVal}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(start)+int(quantity) > len(s.holding) {
		return []byte{functionReadHoldingRegs | 0x80, ExceptionIllegalDataAddr}
	}

	data := make([]byte, 2*quantity)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(data[2*i:], s.holding[int(start)+i])
	}
	return append([]byte{functionReadHoldingRegs, byte(len(data))}, data...)
}
