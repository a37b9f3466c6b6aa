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
	"encoding/binary"
	"fmt"
)

const (
	TCPHeaderLength   = 7
	MaxPDULength      = 253
	MaxTCPFrameLength = TCPHeaderLength + MaxPDULength
)

// TCPPackager packs/unpacks the Modbus MBAP header: transaction id (2),
// protocol id (2, always zero), length (2), unit id (1), followed by the PDU.
type TCPPackager struct{}

func NewTCPPackager() *TCPPackager { return &TCPPackager{} }

func (p *TCPPackager) Pack(transactionID uint16, unitID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("modbus tcp: empty PDU")
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("modbus tcp: PDU length %d exceeds %d", len(pdu), MaxPDULength)
	}

	length := uint16(len(pdu) + 1)
	frame := make([]byte, TCPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolIdentifierTCP)
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame, nil
}

func (p *TCPPackager) Unpack(frame []byte) (transactionID uint16, unitID uint8, pdu []byte, err error) {
	if len(frame) < TCPHeaderLength {
		return 0, 0, nil, fmt.Errorf("modbus tcp: frame shorter than MBAP header: %d bytes", len(frame))
	}
	transactionID = binary.BigEndian.Uint16(frame[0:2])
	protocolID := binary.BigEndian.Uint16(frame[2:4])
	length := binary.BigEndian.Uint16(frame[4:6])
	unitID = frame[6]
	pdu = frame[7:]

	if protocolID != ProtocolIdentifierTCP {
		return 0, 0, nil, fmt.Errorf("modbus tcp: protocol id 0x%04X, want 0x%04X", protocolID, ProtocolIdentifierTCP)
	}
	if int(length) != len(pdu)+1 {
		return 0, 0, nil, fmt.Errorf("modbus tcp: length field %d does not match frame (pdu=%d)", length, len(pdu))
	}
	return transactionID, unitID, pdu, nil
}
