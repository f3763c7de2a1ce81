// Package input turns raw keypad and RFID hardware reads into debounced
// events for the panel state machine.
package input

import (
	"context"
	"log/slog"
)

// KeyScanner is the hardware side of the matrix keypad: one scan returns
// the symbols currently held down.
type KeyScanner interface {
	Scan() ([]byte, error)
}

// validKeys is the accepted symbol set. Anything else a scanner returns
// is dropped.
var validKeys = map[byte]bool{
	'0': true, '1': true, '2': true, '3': true, '4': true,
	'5': true, '6': true, '7': true, '8': true, '9': true,
	'*': true, '#': true,
}

// Keypad debounces a KeyScanner by edge detection: a symbol is emitted
// once when it appears and not again until it has been released.
type Keypad struct {
	scanner KeyScanner
	held    map[byte]bool
	sink    func(key byte)
	logger  *slog.Logger
}

func NewKeypad(scanner KeyScanner, sink func(key byte), logger *slog.Logger) *Keypad {
	return &Keypad{
		scanner: scanner,
		held:    make(map[byte]bool),
		sink:    sink,
		logger:  logger.With("component", "keypad"),
	}
}

// Poll performs one scan pass. Newly pressed valid symbols are delivered
// to the sink; released symbols are forgotten.
func (k *Keypad) Poll(ctx context.Context) error {
	keys, err := k.scanner.Scan()
	if err != nil {
		return err
	}

	down := make(map[byte]bool, len(keys))
	for _, key := range keys {
		if !validKeys[key] {
			k.logger.Debug("dropping unknown key symbol", "key", key)
			continue
		}
		down[key] = true
		if !k.held[key] {
			k.sink(key)
		}
	}
	k.held = down
	return nil
}
