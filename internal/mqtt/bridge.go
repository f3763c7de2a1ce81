// Package mqtt bridges attribute records between the Zigbee link and a
// remote broker: records surfaced by the correlator are published under
// the configured topic prefix, and external read/write commands are
// forwarded to the co-processor.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"homeguard/internal/config"
	"homeguard/internal/ncp"
	"homeguard/internal/notify"
)

// Commander is the Zigbee command surface the bridge forwards inbound
// messages to.
type Commander interface {
	AttrRead(ctx context.Context, rec *ncp.AttrRecord) error
	AttrWrite(ctx context.Context, rec *ncp.AttrRecord) error
}

// Archiver mirrors successfully published payloads into the daily store.
type Archiver interface {
	Append(entry []byte) error
}

// publisher abstracts the broker so record building and inbound routing
// are testable without a session. The real client sends a single frame
// per payload.
type publisher interface {
	publish(topic string, payload []byte) error
}

// Bridge owns the broker session.
type Bridge struct {
	client  pahomqtt.Client
	prefix  string
	link    Commander
	archive Archiver
	bus     *notify.Bus
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
}

// NewBridge builds a disconnected bridge; Connect establishes the
// session.
func NewBridge(cfg *config.Config, link Commander, archive Archiver, bus *notify.Bus, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		prefix:  cfg.MQTTPrefix,
		link:    link,
		archive: archive,
		bus:     bus,
		logger:  logger.With("component", "mqtt"),
	}

	scheme := "tcp"
	if cfg.MQTTTLS {
		scheme = "ssl"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.MQTTServer, cfg.MQTTPort)).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("broker connected")
			b.setConnected(true)
			b.note(notify.MQTTConnected)
			b.subscribe()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("broker connection lost", "err", err)
			b.setConnected(false)
			b.note(notify.MQTTDisconnected)
		})

	if cfg.MQTTTLS {
		tlsCfg, err := tlsConfig(cfg.MQTTCACert)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.MQTTUser != "" {
		opts.SetUsername(cfg.MQTTUser)
		opts.SetPassword(cfg.MQTTPassword)
	}

	b.client = pahomqtt.NewClient(opts)
	return b, nil
}

func tlsConfig(caPEM string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return nil, fmt.Errorf("broker ca certificate: no usable PEM data")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Connect starts the session. The paho retry machinery keeps trying in
// the background, so a slow broker does not fail the call.
func (b *Bridge) Connect() error {
	token := b.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("broker connect: %w", token.Error())
	}
	return nil
}

// Close publishes nothing further and tears down the session.
func (b *Bridge) Close() {
	b.client.Disconnect(1000)
	b.logger.Info("bridge stopped")
}

// Connected reports the current session state for the link gauge.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *Bridge) note(kind notify.Kind) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Enqueue(kind, 0, 3*time.Second); err != nil {
		b.logger.Warn("notification dropped", "kind", kind)
	}
}

func (b *Bridge) subscribe() {
	subs := map[string]pahomqtt.MessageHandler{
		b.prefix + "/read/in/#": func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleInbound(inboundRead, msg.Topic(), msg.Payload())
		},
		b.prefix + "/write/in/#": func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleInbound(inboundWrite, msg.Topic(), msg.Payload())
		},
	}
	for topic, handler := range subs {
		token := b.client.Subscribe(topic, 0, handler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Error("subscribe failed", "topic", topic, "err", token.Error())
		}
	}
}

type inboundOp int

const (
	inboundRead inboundOp = iota
	inboundWrite
)

// inboundDevice is the nested device block of an external command.
type inboundDevice struct {
	IEEE         string `json:"ieee"`
	Short        uint16 `json:"short"`
	ID           uint8  `json:"id"`
	Manufacturer string `json:"manufacturer"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	TypeID       uint32 `json:"type_id"`
}

// inboundRecord is the JSON body accepted on the read/in and write/in
// topics.
type inboundRecord struct {
	Device    inboundDevice `json:"device"`
	EpID      uint8         `json:"ep_id"`
	ClusterID uint16        `json:"cluster_id"`
	AttrID    uint16        `json:"attr_id"`
	ValueType uint8         `json:"value_type"`
	Value     uint32        `json:"value"`
}

// handleInbound decodes an external command and forwards it to the
// co-processor. Malformed JSON is logged and dropped.
func (b *Bridge) handleInbound(op inboundOp, topic string, payload []byte) {
	var in inboundRecord
	if err := json.Unmarshal(payload, &in); err != nil {
		b.logger.Warn("malformed inbound message", "topic", topic, "err", err)
		return
	}
	ieee, err := ncp.ParseIEEE(in.Device.IEEE)
	if err != nil {
		b.logger.Warn("malformed inbound message", "topic", topic, "err", err)
		return
	}

	rec := &ncp.AttrRecord{
		IEEE:         ieee,
		ShortAddr:    in.Device.Short,
		DeviceID:     in.Device.ID,
		Endpoint:     in.EpID,
		ClusterID:    in.ClusterID,
		AttrID:       in.AttrID,
		ValueType:    in.ValueType,
		Value:        in.Value,
		Manufacturer: in.Device.Manufacturer,
		Name:         in.Device.Name,
		Type:         in.Device.Type,
		TypeID:       in.Device.TypeID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if op == inboundRead {
		err = b.link.AttrRead(ctx, rec)
	} else {
		err = b.link.AttrWrite(ctx, rec)
	}
	if err != nil {
		b.logger.Warn("forwarding inbound command failed", "topic", topic, "err", err)
	}
}

// outboundRecord is the JSON body published on the out topics.
type outboundRecord struct {
	ShortAddr    uint16 `json:"short_addr"`
	IEEEAddr     string `json:"ieee_addr"`
	DeviceID     uint8  `json:"device_id"`
	Manufacturer string `json:"manufacturer"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	TypeID       uint32 `json:"type_id"`
	EndpointID   uint8  `json:"endpoint_id"`
	ClusterID    uint16 `json:"cluster_id"`
	AttrID       uint16 `json:"attr_id"`
	ValueType    uint8  `json:"value_type"`
	Value        uint32 `json:"value"`
	Timestamp    string `json:"timestamp"`
}

// outboundTopic maps the message type a record arrived under to its out
// topic segment.
func outboundTopic(prefix string, op ncp.MsgType, ieee string) (string, error) {
	var segment string
	switch op {
	case ncp.TypeDataRead:
		segment = "read"
	case ncp.TypeDataWrite:
		segment = "write"
	case ncp.TypeDataReport:
		segment = "report"
	default:
		return "", fmt.Errorf("message type %v has no outbound topic", op)
	}
	return fmt.Sprintf("%s/%s/out/%s", prefix, segment, ieee), nil
}

// buildOutbound renders the publish payload for a record.
func buildOutbound(rec *ncp.AttrRecord, now time.Time) []byte {
	out := outboundRecord{
		ShortAddr:    rec.ShortAddr,
		IEEEAddr:     rec.IEEEString(),
		DeviceID:     rec.DeviceID,
		Manufacturer: rec.Manufacturer,
		Name:         rec.Name,
		Type:         rec.Type,
		TypeID:       rec.TypeID,
		EndpointID:   rec.Endpoint,
		ClusterID:    rec.ClusterID,
		AttrID:       rec.AttrID,
		ValueType:    rec.ValueType,
		Value:        rec.Value,
		Timestamp:    now.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(out)
	if err != nil {
		// All fields are marshalable; this cannot happen.
		panic(err)
	}
	return payload
}

// PublishRecord publishes one record under the out topic matching the
// message type it arrived as, then mirrors the payload into the archive.
func (b *Bridge) PublishRecord(op ncp.MsgType, rec *ncp.AttrRecord) error {
	return b.publishRecord(b, op, rec, time.Now())
}

func (b *Bridge) publishRecord(pub publisher, op ncp.MsgType, rec *ncp.AttrRecord, now time.Time) error {
	topic, err := outboundTopic(b.prefix, op, rec.IEEEString())
	if err != nil {
		return err
	}
	payload := buildOutbound(rec, now)
	if err := pub.publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if b.archive != nil {
		if err := b.archive.Append(payload); err != nil {
			b.logger.Warn("archive append failed", "err", err)
		}
	}
	return nil
}

// publish sends a single frame. Chunking is unnecessary: payloads are
// bounded well below the client's buffer sizes.
func (b *Bridge) publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, 0, false, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return token.Error()
	}
	return nil
}
