package enocean

import (
	"context"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 57600

	responseTimeout = 5 * time.Second
	readTimeout     = time.Second
	telegramQueue   = 64
)

// Gateway talks ESP3 to an EnOcean USB stick (TCM310 and compatible).
type Gateway struct {
	name string
	port io.ReadWriteCloser

	writeLock sync.Mutex
	responses chan Packet
	telegrams chan Telegram
	done      chan struct{}
	closeOnce sync.Once

	baseID  Address
	timeout time.Duration
}

// Open opens the serial port. A port already claimed by another process
// fails here.
func Open(name string, baud int) (*Gateway, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: EnOcean serial port open failed", name)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "%s: EnOcean serial read timeout", name)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logrus.Warnf("%s: EnOcean input buffer reset failed: %s", name, err)
	}

	return newGateway(name, port), nil
}

func newGateway(name string, port io.ReadWriteCloser) *Gateway {
	return &Gateway{
		name:      name,
		port:      port,
		responses: make(chan Packet, 1),
		telegrams: make(chan Telegram, telegramQueue),
		done:      make(chan struct{}),
		timeout:   responseTimeout,
	}
}

// Start launches the receive loop and reads the gateway base ID. A stick
// that does not answer within the response timeout fails the start.
func (g *Gateway) Start(ctx context.Context) error {
	go g.receiveLoop()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.request(ctx, Packet{Type: PacketTypeCommonCommand, Data: []byte{commonCommandReadIDBase}})
	if err != nil {
		return errors.Wrapf(err, "%s: EnOcean base ID read failed", g.name)
	}
	if len(resp.Data) < 5 {
		return errors.Errorf("%s: EnOcean base ID response too short (%d bytes)", g.name, len(resp.Data))
	}
	if resp.Data[0] != returnOK {
		return errors.Errorf("%s: EnOcean base ID read returned 0x%02x", g.name, resp.Data[0])
	}
	copy(g.baseID[:], resp.Data[1:5])

	logrus.Infof("%s: EnOcean base ID %s", g.name, g.baseID)
	return nil
}

func (g *Gateway) BaseID() Address {
	return g.baseID
}

// Telegrams yields parsable radio telegrams. Telegrams arriving while the
// queue is full are dropped. It is closed when the gateway stops.
func (g *Gateway) Telegrams() <-chan Telegram {
	return g.telegrams
}

// Send writes p and waits for the stick to acknowledge it.
func (g *Gateway) Send(p Packet) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	resp, err := g.request(ctx, p)
	if err != nil {
		return err
	}
	if len(resp.Data) == 0 || resp.Data[0] != returnOK {
		return errors.Errorf("%s: EnOcean send rejected: %s", g.name, hex.EncodeToString(resp.Data))
	}

	return nil
}

func (g *Gateway) request(ctx context.Context, p Packet) (Packet, error) {
	g.writeLock.Lock()
	defer g.writeLock.Unlock()

	select {
	case <-g.responses:
	default:
	}

	frame := p.Marshal()
	logrus.Tracef("%s: TX %s", g.name, hex.EncodeToString(frame))
	if _, err := g.port.Write(frame); err != nil {
		return Packet{}, errors.Wrapf(err, "%s: EnOcean write failed", g.name)
	}

	select {
	case resp := <-g.responses:
		return resp, nil
	case <-g.done:
		return Packet{}, errors.Errorf("%s: EnOcean gateway closed", g.name)
	case <-ctx.Done():
		return Packet{}, errors.Wrapf(ctx.Err(), "%s: EnOcean response", g.name)
	}
}

func (g *Gateway) receiveLoop() {
	defer close(g.telegrams)

	var parser Parser
	buf := make([]byte, 256)
	for {
		n, err := g.port.Read(buf)
		select {
		case <-g.done:
			return
		default:
		}
		if err != nil {
			logrus.Errorf("%s: EnOcean read failed: %s", g.name, err)
			g.Close()
			return
		}
		if n == 0 {
			continue
		}

		logrus.Tracef("%s: RX %s", g.name, hex.EncodeToString(buf[:n]))
		for _, p := range parser.Feed(buf[:n]) {
			g.dispatch(p)
		}
	}
}

func (g *Gateway) dispatch(p Packet) {
	switch p.Type {
	case PacketTypeResponse:
		select {
		case g.responses <- p:
		default:
			logrus.Debugf("%s: unexpected EnOcean response dropped", g.name)
		}
	case PacketTypeRadioERP1:
		t, err := ParseTelegram(p)
		if err != nil {
			logrus.Debugf("%s: telegram dropped: %s", g.name, err)
			return
		}
		// Never block here, responses to Send arrive on this goroutine.
		select {
		case g.telegrams <- t:
		default:
			logrus.Warnf("%s: telegram queue full, telegram from %s dropped", g.name, t.Sender)
		}
	default:
		logrus.Debugf("%s: EnOcean packet type 0x%02x ignored", g.name, byte(p.Type))
	}
}

// Close stops the receive loop and releases the serial port.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		err = g.port.Close()
		logrus.Infof("%s: EnOcean gateway closed", g.name)
	})
	return err
}
