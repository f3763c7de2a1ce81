package input

import (
	"context"
	"log/slog"

	"homeguard/internal/auth"
)

// TagReader is the hardware side of the RFID reader: one poll returns the
// UID bytes of a card in the field, or nil when the field is empty.
type TagReader interface {
	ReadUID() ([]byte, error)
}

// RFID polls a TagReader and delivers each presented card once: a card
// held in the field produces a single event until it is removed.
type RFID struct {
	reader TagReader
	lastID string
	sink   func(uid string)
	logger *slog.Logger
}

func NewRFID(reader TagReader, sink func(uid string), logger *slog.Logger) *RFID {
	return &RFID{
		reader: reader,
		sink:   sink,
		logger: logger.With("component", "rfid"),
	}
}

// Poll performs one read pass. The UID is formatted as colon-separated
// uppercase hex before delivery.
func (r *RFID) Poll(ctx context.Context) error {
	raw, err := r.reader.ReadUID()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		r.lastID = ""
		return nil
	}

	uid := auth.FormatUID(raw)
	if uid == r.lastID {
		return nil
	}
	r.lastID = uid
	r.logger.Debug("card presented", "uid", uid)
	r.sink(uid)
	return nil
}
