package registry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "devices.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSaveAndGet(t *testing.T) {
	r := newTestRegistry(t)

	dev := &Device{
		IEEE:         "00:15:8D:00:01:2A:3B:4C",
		ShortAddr:    0x1234,
		DeviceID:     1,
		Endpoint:     1,
		Manufacturer: "LUMI",
		Name:         "door sensor",
		Type:         "ias_zone",
		TypeID:       0x0500000D,
		JoinedAt:     time.Now().Truncate(time.Millisecond),
		LastSeen:     time.Now().Truncate(time.Millisecond),
	}
	if err := r.Save(dev); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get(dev.IEEE)
	if err != nil {
		t.Fatal(err)
	}
	if got.ShortAddr != dev.ShortAddr {
		t.Errorf("short = 0x%04X, want 0x%04X", got.ShortAddr, dev.ShortAddr)
	}
	if got.TypeID != dev.TypeID {
		t.Errorf("type_id = 0x%08X, want 0x%08X", got.TypeID, dev.TypeID)
	}
	if got.Manufacturer != "LUMI" || got.Name != "door sensor" {
		t.Errorf("metadata = %q/%q", got.Manufacturer, got.Name)
	}
}

func TestGetNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("FF:FF:FF:FF:FF:FF:FF:FF")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteAndCount(t *testing.T) {
	r := newTestRegistry(t)

	devs := []string{
		"00:00:00:00:00:00:00:01",
		"00:00:00:00:00:00:00:02",
		"00:00:00:00:00:00:00:03",
	}
	for i, ieee := range devs {
		if err := r.Save(&Device{IEEE: ieee, ShortAddr: uint16(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	if err := r.Delete(devs[1]); err != nil {
		t.Fatal(err)
	}
	if n, _ = r.Count(); n != 2 {
		t.Errorf("count after delete = %d, want 2", n)
	}

	list, err := r.List()
	if err != nil {
		t.Fatal(err)
	}
	found := make(map[string]bool)
	for _, d := range list {
		found[d.IEEE] = true
	}
	if !found[devs[0]] || !found[devs[2]] || found[devs[1]] {
		t.Errorf("list after delete = %v", found)
	}
}

func TestTouchCreatesAndUpdates(t *testing.T) {
	r := newTestRegistry(t)
	const ieee = "00:00:00:00:00:00:00:09"

	at := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	if err := r.Touch(ieee, 0x0042, at); err != nil {
		t.Fatal(err)
	}
	dev, err := r.Get(ieee)
	if err != nil {
		t.Fatal(err)
	}
	if !dev.LastSeen.Equal(at) || dev.ShortAddr != 0x0042 {
		t.Errorf("touched device = %+v", dev)
	}

	// A later touch keeps existing metadata and moves LastSeen.
	dev.Manufacturer = "LUMI"
	if err := r.Save(dev); err != nil {
		t.Fatal(err)
	}
	later := at.Add(time.Hour)
	if err := r.Touch(ieee, 0x0043, later); err != nil {
		t.Fatal(err)
	}
	dev, err = r.Get(ieee)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Manufacturer != "LUMI" {
		t.Error("touch dropped existing metadata")
	}
	if !dev.LastSeen.Equal(later) || dev.ShortAddr != 0x0043 {
		t.Errorf("touch did not update: %+v", dev)
	}
}
