package enocean

import (
	"github.com/pkg/errors"
)

// Radio ORG (telegram family) codes.
const (
	RORGRPS byte = 0xF6
	RORG4BS byte = 0xA5
)

const (
	maxDuration = 3000 // tenths of a second

	// DB0 of a 4BS telegram: bit 3 set marks a data telegram, cleared a teach-in.
	flagNormalCommand byte = 0x08
	flagTeachIn       byte = 0x80

	statusT21NU byte = 0x30
	statusNU    byte = 0x10
	subTelSend  byte = 0x03
	maxTXPower  byte = 0xFF
	noSecurity  byte = 0x00
)

const senderLength = 4

// Direction is the drive direction code of the actuator.
type Direction byte

const (
	DirectionStop Direction = 0x00
	DirectionUp   Direction = 0x01
	DirectionDown Direction = 0x02
)

// Invert swaps UP and DOWN for actuators with reversed motor wiring.
func (d Direction) Invert() Direction {
	switch d {
	case DirectionUp:
		return DirectionDown
	case DirectionDown:
		return DirectionUp
	}
	return d
}

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "UP"
	case DirectionDown:
		return "DOWN"
	case DirectionStop:
		return "STOP"
	}
	return "UNKNOWN"
}

// Telegram is a decoded ERP1 radio telegram.
type Telegram struct {
	RORG        byte
	Payload     []byte
	Sender      Address
	Status      byte
	Destination Address
}

// StatusEvent is what a status telegram says about its sender.
type StatusEvent struct {
	Sender    Address
	Direction Direction // DirectionStop when the telegram carries no direction
	Stopped   bool
	// EndPosition marks the delayed end-of-travel notice an actuator sends
	// long after the motor stopped. It is not a live status change.
	EndPosition bool
}

// EncodeCommand builds a move/stop telegram for an FSB61 actuator.
func EncodeCommand(destination, sender Address, dir Direction, seconds float64) Packet {
	if dir == DirectionStop {
		seconds = 0
	}

	duration := int(seconds * 10)
	if duration < 0 {
		duration = 0
	}
	if duration > maxDuration {
		duration = maxDuration
	}

	return radioPacket(destination, sender, []byte{
		byte(duration >> 8),
		byte(duration),
		byte(dir),
		flagNormalCommand,
	})
}

// EncodeTeachIn builds the teach-in telegram. The actuator has to be in
// learn mode when it is sent.
func EncodeTeachIn(destination, sender Address) Packet {
	return radioPacket(destination, sender, []byte{0xFF, 0xF8, 0x0D, flagTeachIn})
}

func radioPacket(destination, sender Address, payload []byte) Packet {
	data := make([]byte, 0, 2+len(payload)+senderLength)
	data = append(data, RORG4BS)
	data = append(data, payload...)
	data = append(data, sender[:]...)
	data = append(data, statusT21NU)

	opt := make([]byte, 0, 7)
	opt = append(opt, subTelSend)
	opt = append(opt, destination[:]...)
	opt = append(opt, maxTXPower, noSecurity)

	return Packet{Type: PacketTypeRadioERP1, Data: data, Optional: opt}
}

func payloadLength(rorg byte) (int, bool) {
	switch rorg {
	case RORGRPS:
		return 1, true
	case RORG4BS:
		return 4, true
	}
	return 0, false
}

// ParseTelegram splits an ERP1 packet into its fields.
func ParseTelegram(p Packet) (Telegram, error) {
	var t Telegram

	if p.Type != PacketTypeRadioERP1 {
		return t, errors.Errorf("packet type 0x%02x is not a radio telegram", byte(p.Type))
	}
	if len(p.Data) == 0 {
		return t, errors.New("empty radio telegram")
	}

	t.RORG = p.Data[0]
	n, ok := payloadLength(t.RORG)
	if !ok {
		return t, errors.Errorf("unsupported RORG 0x%02x", t.RORG)
	}
	if len(p.Data) < 1+n+senderLength+1 {
		return t, errors.Errorf("RORG 0x%02x telegram too short (%d bytes)", t.RORG, len(p.Data))
	}

	t.Payload = append([]byte(nil), p.Data[1:1+n]...)
	copy(t.Sender[:], p.Data[1+n:1+n+senderLength])
	t.Status = p.Data[1+n+senderLength]

	if len(p.Optional) >= 5 {
		copy(t.Destination[:], p.Optional[1:5])
	}

	return t, nil
}

// DecodeStatus interprets a status telegram. actuator selects the
// FSB61 encoding of RPS telegrams, which must never be applied to wall buttons.
// ok is false for telegrams that carry no status (teach-in replies).
func DecodeStatus(t Telegram, actuator bool) (event StatusEvent, ok bool) {
	event.Sender = t.Sender

	switch t.RORG {
	case RORGRPS:
		if len(t.Payload) < 1 {
			return event, false
		}
		if t.Status&statusNU == 0 {
			event.Stopped = true
			return event, true
		}
		event.Direction = rockerDirection(t.Payload[0], actuator)
		return event, true

	case RORG4BS:
		if len(t.Payload) < 4 {
			return event, false
		}
		if t.Payload[3]&flagNormalCommand == 0 {
			return event, false
		}
		event.Stopped = true
		event.EndPosition = true
		return event, true
	}

	return event, false
}

func rockerDirection(db0 byte, actuator bool) Direction {
	switch (db0 >> 5) & 0x07 {
	case 1, 3:
		return DirectionDown
	case 0:
		// FSB61 reports its direction in the low nibble with rocker code 0.
		if actuator && db0&0x0F == 0x02 {
			return DirectionDown
		}
		return DirectionUp
	case 2:
		return DirectionUp
	}
	return DirectionStop
}
