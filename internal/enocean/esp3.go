package enocean

import (
	"github.com/sirupsen/logrus"
)

const syncByte = 0x55

// PacketType is the ESP3 packet type.
type PacketType byte

const (
	PacketTypeRadioERP1     PacketType = 0x01
	PacketTypeResponse      PacketType = 0x02
	PacketTypeEvent         PacketType = 0x04
	PacketTypeCommonCommand PacketType = 0x05
)

// Common command codes and return codes used by the gateway.
const (
	commonCommandReadIDBase byte = 0x08
	returnOK                byte = 0x00
)

// Packet is a single ESP3 frame without the sync byte, header and checksums.
type Packet struct {
	Type     PacketType
	Data     []byte
	Optional []byte
}

var crc8Table = func() (t [256]byte) {
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x07
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc8(data ...[]byte) byte {
	var crc byte
	for _, chunk := range data {
		for _, b := range chunk {
			crc = crc8Table[crc^b]
		}
	}
	return crc
}

// Marshal encodes p as a complete ESP3 frame.
func (p Packet) Marshal() []byte {
	header := []byte{
		byte(len(p.Data) >> 8),
		byte(len(p.Data)),
		byte(len(p.Optional)),
		byte(p.Type),
	}

	frame := make([]byte, 0, 7+len(p.Data)+len(p.Optional))
	frame = append(frame, syncByte)
	frame = append(frame, header...)
	frame = append(frame, crc8(header))
	frame = append(frame, p.Data...)
	frame = append(frame, p.Optional...)
	frame = append(frame, crc8(p.Data, p.Optional))

	return frame
}

// Parser reassembles ESP3 frames from a byte stream.
type Parser struct {
	buf []byte
}

// Feed appends b to the internal buffer and returns every complete packet.
// Garbage before a sync byte and frames with a bad header CRC are skipped,
// frames with a bad data CRC are dropped.
func (p *Parser) Feed(b []byte) []Packet {
	p.buf = append(p.buf, b...)

	var packets []Packet
	for {
		start := -1
		for i, c := range p.buf {
			if c == syncByte {
				start = i
				break
			}
		}
		if start == -1 {
			p.buf = p.buf[:0]
			return packets
		}
		p.buf = p.buf[start:]

		if len(p.buf) < 6 {
			return packets
		}

		if crc8(p.buf[1:5]) != p.buf[5] {
			logrus.Debug("esp3: invalid header CRC, resync")
			p.buf = p.buf[1:]
			continue
		}

		dataLen := int(p.buf[1])<<8 | int(p.buf[2])
		optLen := int(p.buf[3])
		total := 6 + dataLen + optLen + 1
		if len(p.buf) < total {
			return packets
		}

		data := p.buf[6 : 6+dataLen]
		opt := p.buf[6+dataLen : 6+dataLen+optLen]
		if crc8(data, opt) != p.buf[total-1] {
			logrus.Debug("esp3: invalid data CRC, packet dropped")
			p.buf = p.buf[total:]
			continue
		}

		packets = append(packets, Packet{
			Type:     PacketType(p.buf[4]),
			Data:     append([]byte(nil), data...),
			Optional: append([]byte(nil), opt...),
		})
		p.buf = p.buf[total:]
	}
}
