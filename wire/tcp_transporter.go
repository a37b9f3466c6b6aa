// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TCPTransporter sends/receives MBAP-framed PDUs over a net.Conn.
type TCPTransporter struct {
	conn          net.Conn
	timeout       time.Duration
	packager      *TCPPackager
	transactionID uint32
	mu            sync.Mutex
	closed        bool
}

func NewTCPTransporter(conn net.Conn, timeout time.Duration) *TCPTransporter {
	return &TCPTransporter{
		conn:     conn,
		timeout:  timeout,
		packager: NewTCPPackager(),
	}
}

func (t *TCPTransporter) nextTransactionID() uint16 {
	return uint16(atomic.AddUint32(&t.transactionID, 1) & 0xFFFF)
}

func (t *TCPTransporter) setDeadline() {
	if t.timeout > 0 {
		_ = t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
}

func (t *TCPTransporter) clearDeadline() {
	_ = t.conn.SetDeadline(time.Time{})
}

func (t *TCPTransporter) WriteRaw(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("modbus tcp: transporter closed")
	}
	t.setDeadline()
	defer t.clearDeadline()

	written := 0
	for written < len(data) {
		n, err := t.conn.Write(data[written:])
		if err != nil {
			return fmt.Errorf("modbus tcp: write failed after %d bytes: %w", written, err)
		}
		written += n
	}
	return nil
}

func (t *TCPTransporter) ReadRaw() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("modbus tcp: transporter closed")
	}
	t.setDeadline()
	defer t.clearDeadline()

	header := make([]byte, TCPHeaderLength)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return nil, fmt.Errorf("modbus tcp: read MBAP header: %w", err)
	}
	length := int(header[4])<<8 | int(header[5])
	if length == 0 || length > MaxPDULength+1 {
		return nil, fmt.Errorf("modbus tcp: invalid length field %d", length)
	}
	pduLength := length - 1
	pdu := make([]byte, pduLength)
	if pduLength > 0 {
		if _, err := io.ReadFull(t.conn, pdu); err != nil {
			return nil, fmt.Errorf("modbus tcp: read PDU (%d bytes): %w", pduLength, err)
		}
	}
	frame := make([]byte, TCPHeaderLength+pduLength)
	copy(frame, header)
	copy(frame[TCPHeaderLength:], pdu)
	return frame, nil
}

// Send packs and writes pdu under a freshly allocated transaction id.
func (t *TCPTransporter) Send(unitID uint8, pdu []byte) (uint16, error) {
	txID := t.nextTransactionID()
	frame, err := t.packager.Pack(txID, unitID, pdu)
	if err != nil {
		return txID, err
	}
	return txID, t.WriteRaw(frame)
}

func (t *TCPTransporter) Receive() (transactionID uint16, unitID uint8, pdu []byte, err error) {
	frame, err := t.ReadRaw()
	if err != nil {
		return 0, 0, nil, err
	}
	return t.packager.Unpack(frame)
}

func (t *TCPTransporter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *TCPTransporter) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *TCPTransporter) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}
