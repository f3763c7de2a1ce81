package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"homeguard/internal/ncp"
)

type fakeCommander struct {
	reads  []*ncp.AttrRecord
	writes []*ncp.AttrRecord
}

func (f *fakeCommander) AttrRead(ctx context.Context, rec *ncp.AttrRecord) error {
	f.reads = append(f.reads, rec)
	return nil
}

func (f *fakeCommander) AttrWrite(ctx context.Context, rec *ncp.AttrRecord) error {
	f.writes = append(f.writes, rec)
	return nil
}

type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) publish(topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeArchive struct {
	entries [][]byte
}

func (f *fakeArchive) Append(entry []byte) error {
	f.entries = append(f.entries, entry)
	return nil
}

func newTestBridge(link Commander, archive Archiver) *Bridge {
	return &Bridge{
		prefix:  "home/alarm",
		link:    link,
		archive: archive,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

func sampleRecord() *ncp.AttrRecord {
	return &ncp.AttrRecord{
		IEEE:         [8]byte{0x00, 0x15, 0x8D, 0x00, 0x01, 0x2A, 0x3B, 0x4C},
		ShortAddr:    0x1234,
		DeviceID:     1,
		Endpoint:     1,
		ClusterID:    0x0500,
		AttrID:       0x0002,
		ValueType:    0x10,
		Value:        1,
		Manufacturer: "LUMI",
		Name:         "door sensor",
		Type:         "ias_zone",
		TypeID:       0x0500000D,
	}
}

func TestInboundWriteForwardsToLink(t *testing.T) {
	link := &fakeCommander{}
	b := newTestBridge(link, nil)

	payload := `{
		"device": {
			"ieee": "00:15:8D:00:01:2A:3B:4C",
			"short": 4660,
			"id": 1,
			"manufacturer": "X",
			"name": "Y",
			"type": "Z",
			"type_id": 1
		},
		"ep_id": 1,
		"cluster_id": 6,
		"attr_id": 0,
		"value_type": 16,
		"value": 1
	}`
	b.handleInbound(inboundWrite, "home/alarm/write/in/light", []byte(payload))

	if len(link.writes) != 1 || len(link.reads) != 0 {
		t.Fatalf("writes=%d reads=%d", len(link.writes), len(link.reads))
	}
	rec := link.writes[0]
	if rec.IEEEString() != "00:15:8D:00:01:2A:3B:4C" {
		t.Errorf("ieee = %q", rec.IEEEString())
	}
	if rec.ShortAddr != 0x1234 || rec.ClusterID != 6 || rec.ValueType != 0x10 || rec.Value != 1 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Manufacturer != "X" || rec.TypeID != 1 {
		t.Errorf("metadata = %+v", rec)
	}
}

func TestInboundReadForwardsAsRead(t *testing.T) {
	link := &fakeCommander{}
	b := newTestBridge(link, nil)

	payload := `{"device":{"ieee":"00:00:00:00:00:00:00:01"},"cluster_id":6}`
	b.handleInbound(inboundRead, "home/alarm/read/in/light", []byte(payload))

	if len(link.reads) != 1 || len(link.writes) != 0 {
		t.Fatalf("reads=%d writes=%d", len(link.reads), len(link.writes))
	}
}

func TestInboundMalformedDropped(t *testing.T) {
	link := &fakeCommander{}
	b := newTestBridge(link, nil)

	for _, payload := range []string{
		`{not json`,
		`{"device":{"ieee":"zz:zz"},"cluster_id":6}`,
		`{"device":{"ieee":"00:01"},"cluster_id":6}`,
	} {
		b.handleInbound(inboundWrite, "home/alarm/write/in/x", []byte(payload))
	}
	if len(link.reads)+len(link.writes) != 0 {
		t.Errorf("malformed payloads were forwarded")
	}
}

func TestOutboundTopicPerMessageType(t *testing.T) {
	cases := []struct {
		op   ncp.MsgType
		want string
	}{
		{ncp.TypeDataRead, "home/alarm/read/out/00:15:8D:00:01:2A:3B:4C"},
		{ncp.TypeDataWrite, "home/alarm/write/out/00:15:8D:00:01:2A:3B:4C"},
		{ncp.TypeDataReport, "home/alarm/report/out/00:15:8D:00:01:2A:3B:4C"},
	}
	for _, tc := range cases {
		got, err := outboundTopic("home/alarm", tc.op, "00:15:8D:00:01:2A:3B:4C")
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("topic = %q, want %q", got, tc.want)
		}
	}

	if _, err := outboundTopic("home/alarm", ncp.TypeEcho, "x"); err == nil {
		t.Error("expected error for non-attribute message type")
	}
}

func TestBuildOutboundFields(t *testing.T) {
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	payload := buildOutbound(sampleRecord(), now)

	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"short_addr":   float64(0x1234),
		"ieee_addr":    "00:15:8D:00:01:2A:3B:4C",
		"device_id":    float64(1),
		"manufacturer": "LUMI",
		"name":         "door sensor",
		"type":         "ias_zone",
		"type_id":      float64(0x0500000D),
		"endpoint_id":  float64(1),
		"cluster_id":   float64(0x0500),
		"attr_id":      float64(2),
		"value_type":   float64(0x10),
		"value":        float64(1),
		"timestamp":    "2025-03-15T12:00:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("payload has %d fields, want %d", len(got), len(want))
	}
}

func TestPublishRecordMirrorsToArchive(t *testing.T) {
	archive := &fakeArchive{}
	b := newTestBridge(nil, archive)
	pub := &fakePublisher{}

	err := b.publishRecord(pub, ncp.TypeDataReport, sampleRecord(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(pub.topics) != 1 {
		t.Fatalf("published %d messages", len(pub.topics))
	}
	if len(archive.entries) != 1 {
		t.Fatalf("archived %d entries", len(archive.entries))
	}
	if string(archive.entries[0]) != string(pub.payloads[0]) {
		t.Error("archive entry differs from the published payload")
	}
}

func TestPublishFailureSkipsArchive(t *testing.T) {
	archive := &fakeArchive{}
	b := newTestBridge(nil, archive)
	pub := &fakePublisher{err: errors.New("broker gone")}

	if err := b.publishRecord(pub, ncp.TypeDataReport, sampleRecord(), time.Now()); err == nil {
		t.Fatal("expected publish error")
	}
	if len(archive.entries) != 0 {
		t.Error("failed publish must not be archived")
	}
}
