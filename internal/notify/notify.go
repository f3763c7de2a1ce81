// Package notify implements the bounded mailbox of user-visible
// notifications drained by the display task.
package notify

import (
	"fmt"
	"log/slog"
	"time"
)

// Kind identifies a user-visible notification.
type Kind int

const (
	AuthCheckOK Kind = iota
	AuthCheckErr
	AuthSetOK
	AuthSetErr
	RFIDCheckOK
	RFIDCheckErr
	RFIDAddOK
	RFIDAddErr
	RFIDDelOK
	RFIDDelErr
	ZbNetOpen
	ZbNetClose
	ZbNetClear
	ZbNetReset
	ZbAttrReport
	ZbDevJoined
	ZbDevLeft
	ZbDevCount
	MQTTConnected
	MQTTDisconnected
	WifiConnected
	WifiDisconnected
)

var kindNames = map[Kind]string{
	AuthCheckOK:      "auth-check-ok",
	AuthCheckErr:     "auth-check-err",
	AuthSetOK:        "auth-set-ok",
	AuthSetErr:       "auth-set-err",
	RFIDCheckOK:      "rfid-check-ok",
	RFIDCheckErr:     "rfid-check-err",
	RFIDAddOK:        "rfid-add-ok",
	RFIDAddErr:       "rfid-add-err",
	RFIDDelOK:        "rfid-del-ok",
	RFIDDelErr:       "rfid-del-err",
	ZbNetOpen:        "zb-net-open",
	ZbNetClose:       "zb-net-close",
	ZbNetClear:       "zb-net-clear",
	ZbNetReset:       "zb-net-reset",
	ZbAttrReport:     "zb-attr-report",
	ZbDevJoined:      "zb-dev-joined",
	ZbDevLeft:        "zb-dev-left",
	ZbDevCount:       "zb-dev-count",
	MQTTConnected:    "mqtt-connected",
	MQTTDisconnected: "mqtt-disconnected",
	WifiConnected:    "wifi-connected",
	WifiDisconnected: "wifi-disconnected",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Item is a single queued notification.
type Item struct {
	Kind     Kind
	Param    int
	Duration time.Duration
}

// Sink consumes drained notifications (the display template renderer).
type Sink interface {
	Show(item Item)
}

const (
	capacity       = 10
	enqueueTimeout = 10 * time.Millisecond
)

// Bus is the bounded FIFO. Enqueue applies back-pressure: a full queue
// fails the call after a short wait instead of dropping any item.
type Bus struct {
	ch     chan Item
	logger *slog.Logger
}

// NewBus creates an empty notification bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		ch:     make(chan Item, capacity),
		logger: logger.With("component", "notify"),
	}
}

// Enqueue queues a notification, waiting at most 10 ms for space.
func (b *Bus) Enqueue(kind Kind, param int, duration time.Duration) error {
	item := Item{Kind: kind, Param: param, Duration: duration}
	select {
	case b.ch <- item:
		return nil
	default:
	}
	t := time.NewTimer(enqueueTimeout)
	defer t.Stop()
	select {
	case b.ch <- item:
		return nil
	case <-t.C:
		b.logger.Warn("notification queue full, dropping producer call", "kind", kind.String())
		return fmt.Errorf("notification queue full")
	}
}

// Items exposes the receive side for the single display consumer.
func (b *Bus) Items() <-chan Item { return b.ch }

// Drain delivers queued items to sink until done is closed.
func (b *Bus) Drain(done <-chan struct{}, sink Sink) {
	for {
		select {
		case item := <-b.ch:
			sink.Show(item)
		case <-done:
			return
		}
	}
}
