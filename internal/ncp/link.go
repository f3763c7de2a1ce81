package ncp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// A command must be acked within the total budget; the command is sent
	// once and retransmitted at most once inside that window.
	ackBudget      = 5 * time.Second
	retransmitWait = 2500 * time.Millisecond

	serialBaud = 115200
)

// Link drives the half-duplex framed protocol to the co-processor. One
// command is outstanding at a time; all producers go through the request
// API which serializes internally.
type Link struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	reqMu   sync.Mutex // one outstanding command
	writeMu sync.Mutex
	ackCh   chan *Message

	handlerMu sync.RWMutex
	onRecord  func(MsgType, *AttrRecord)
	onJoined  func(*AttrRecord)
	onLeft    func(*AttrRecord)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial UART at 115200 8N1 and starts the link.
func Open(portName string, logger *slog.Logger) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: serialBaud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("ncp: open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("ncp: set read timeout: %w", err)
	}
	return New(port, logger), nil
}

// New starts a link over an already-open wire.
func New(port io.ReadWriteCloser, logger *slog.Logger) *Link {
	l := &Link{
		port:   port,
		reader: bufio.NewReader(port),
		logger: logger.With("component", "ncp"),
		ackCh:  make(chan *Message, 4),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l
}

// Handshake verifies co-processor presence with an ECHO round trip.
// Failure is not fatal for the panel: local arming still works.
func (l *Link) Handshake(ctx context.Context) error {
	if _, err := l.send(ctx, TypeEcho, nil); err != nil {
		return fmt.Errorf("ncp handshake: %w", err)
	}
	l.logger.Info("co-processor present")
	return nil
}

// send transmits a command and waits for a matching successful ack within
// the 5 s budget, retransmitting at most once.
func (l *Link) send(ctx context.Context, typ MsgType, payload []byte) (*Message, error) {
	l.reqMu.Lock()
	defer l.reqMu.Unlock()

	// Stale acks from an abandoned command must not satisfy this one.
	for {
		select {
		case <-l.ackCh:
			continue
		default:
		}
		break
	}

	raw := Encode(&Message{Dir: DirCommand, Status: StatusSuccess, Type: typ, Payload: payload})
	if err := l.write(raw); err != nil {
		return nil, fmt.Errorf("ncp write %s: %w", typ, err)
	}
	l.logger.Debug("ncp TX", "type", typ.String(), "len", len(payload))

	deadline := time.NewTimer(ackBudget)
	defer deadline.Stop()
	retransmit := time.NewTimer(retransmitWait)
	defer retransmit.Stop()

	for {
		select {
		case ack := <-l.ackCh:
			if ack.Type != typ || ack.Status != StatusSuccess {
				// Mismatched ack: discard silently, keep waiting.
				l.logger.Debug("ncp stale ack discarded", "got", ack.Type.String(), "want", typ.String())
				continue
			}
			return ack, nil
		case <-retransmit.C:
			l.logger.Warn("ncp ack overdue, retransmitting", "type", typ.String())
			if err := l.write(raw); err != nil {
				return nil, fmt.Errorf("ncp retransmit %s: %w", typ, err)
			}
		case <-deadline.C:
			return nil, fmt.Errorf("ncp %s: ack timeout after %v", typ, ackBudget)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
			return nil, errors.New("ncp closed")
		}
	}
}

func (l *Link) write(raw []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.port.Write(raw)
	return err
}

func (l *Link) readLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		default:
		}

		msg, err := ReadMessage(l.reader)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, ErrFrame) {
				// Fatal for this frame only: resynchronize by discarding
				// whatever is buffered and keep reading.
				l.logger.Warn("ncp decode error, resyncing", "err", err)
				l.reader.Discard(l.reader.Buffered())
				continue
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				l.logger.Error("ncp read error", "err", err)
			}
			return
		}

		switch msg.Dir {
		case DirCommandAck:
			select {
			case l.ackCh <- msg:
			default:
				l.logger.Warn("ncp orphaned ack", "type", msg.Type.String())
			}

		case DirNotify:
			// Ack before any application handling.
			ack := Encode(&Message{Dir: DirNotifyAck, Status: StatusSuccess, Type: msg.Type})
			if err := l.write(ack); err != nil {
				l.logger.Error("ncp notification ack failed", "err", err)
			}
			l.handleNotification(msg)

		case DirNotifyAck:
			// The panel sends no notifications; nothing waits on these.

		default:
			l.logger.Warn("ncp unexpected frame direction", "dir", msg.Dir.String())
		}
	}
}

func (l *Link) handleNotification(msg *Message) {
	l.handlerMu.RLock()
	onRecord := l.onRecord
	onJoined := l.onJoined
	onLeft := l.onLeft
	l.handlerMu.RUnlock()

	switch msg.Type {
	case TypeDataRead, TypeDataWrite, TypeDataReport:
		rec, err := UnpackAttrRecord(msg.Payload)
		if err != nil {
			l.logger.Warn("ncp attr record decode", "type", msg.Type.String(), "err", err)
			return
		}
		l.logger.Debug("ncp attr record RX",
			"type", msg.Type.String(),
			"ieee", rec.IEEEString(),
			"cluster", fmt.Sprintf("0x%04X", rec.ClusterID),
			"attr", fmt.Sprintf("0x%04X", rec.AttrID),
			"value", rec.Value)
		if onRecord != nil {
			onRecord(msg.Type, rec)
		}

	case TypeDevNew:
		rec, err := UnpackAttrRecord(msg.Payload)
		if err != nil {
			l.logger.Warn("ncp device-new decode", "err", err)
			return
		}
		l.logger.Info("device joined", "ieee", rec.IEEEString(), "short", fmt.Sprintf("0x%04X", rec.ShortAddr))
		if onJoined != nil {
			onJoined(rec)
		}

	case TypeDevLeave:
		rec, err := UnpackAttrRecord(msg.Payload)
		if err != nil {
			l.logger.Warn("ncp device-leave decode", "err", err)
			return
		}
		l.logger.Info("device left", "ieee", rec.IEEEString())
		if onLeft != nil {
			onLeft(rec)
		}

	default:
		l.logger.Warn("ncp unhandled notification", "type", msg.Type.String())
	}
}

// --- Exposed operations ---

// Reset restarts the co-processor.
func (l *Link) Reset(ctx context.Context) error {
	_, err := l.send(ctx, TypeCtlRestart, nil)
	return err
}

// FactoryReset wipes the co-processor network state.
func (l *Link) FactoryReset(ctx context.Context) error {
	_, err := l.send(ctx, TypeCtlFactory, nil)
	return err
}

// OpenNetwork permits joining for duration seconds.
func (l *Link) OpenNetwork(ctx context.Context, duration uint8) error {
	_, err := l.send(ctx, TypeDevUnlock, []byte{duration})
	return err
}

// CloseNetwork forbids joining.
func (l *Link) CloseNetwork(ctx context.Context) error {
	_, err := l.send(ctx, TypeDevLock, nil)
	return err
}

// ClearNetwork removes all paired devices.
func (l *Link) ClearNetwork(ctx context.Context) error {
	_, err := l.send(ctx, TypeDevClear, nil)
	return err
}

// DeviceCount returns the number of paired devices.
func (l *Link) DeviceCount(ctx context.Context) (int, error) {
	ack, err := l.send(ctx, TypeDevCount, nil)
	if err != nil {
		return 0, err
	}
	if len(ack.Payload) < 2 {
		return 0, fmt.Errorf("ncp device count: short payload %d", len(ack.Payload))
	}
	return int(binary.LittleEndian.Uint16(ack.Payload[:2])), nil
}

// AttrRead requests an attribute read on a device.
func (l *Link) AttrRead(ctx context.Context, rec *AttrRecord) error {
	_, err := l.send(ctx, TypeDataRead, rec.Pack())
	return err
}

// AttrWrite requests an attribute write on a device.
func (l *Link) AttrWrite(ctx context.Context, rec *AttrRecord) error {
	_, err := l.send(ctx, TypeDataWrite, rec.Pack())
	return err
}

// --- Handler registration ---

// OnAttrRecord registers the handler for ZB_DATA_{READ,WRITE,REPORT}
// notifications.
func (l *Link) OnAttrRecord(h func(MsgType, *AttrRecord)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.onRecord = h
}

// OnDeviceJoined registers the ZB_DEV_NEW handler.
func (l *Link) OnDeviceJoined(h func(*AttrRecord)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.onJoined = h
}

// OnDeviceLeft registers the ZB_DEV_LEAVE handler.
func (l *Link) OnDeviceLeft(h func(*AttrRecord)) {
	l.handlerMu.Lock()
	defer l.handlerMu.Unlock()
	l.onLeft = h
}

// Close stops the link and waits for the read loop to exit.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
	})
	l.wg.Wait()
	return err
}
