// Package mqttpub mirrors heater state changes to an MQTT broker so that
// home-automation consumers can follow the bridge without polling its API.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"termobridge/internal/logger"
	"termobridge/internal/models"
)

const (
	connectTimeout = 10 * time.Second
	// quiesce window for paho to flush in-flight messages on shutdown.
	disconnectQuiesceMs = 250
	offlineFlushWait    = 2 * time.Second
	updateBuffer        = 64
	qosAtLeastOnce      = 1

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Source is the state stream the publisher mirrors. The state store
// satisfies it.
type Source interface {
	Subscribe(buffer int) (<-chan models.StateUpdate, func())
}

// Config carries broker coordinates and the topic namespace.
type Config struct {
	Broker      string // e.g. tcp://127.0.0.1:1883
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
}

// Publisher pushes every heater state change to a retained per-node topic
// and keeps a bridge availability topic current, with a last-will fallback
// for ungraceful drops.
type Publisher struct {
	cfg    Config
	source Source
	log    *logger.Logger
	client mqtt.Client
}

// New prepares a publisher for the given broker. No connection is made until
// Run is called.
func New(cfg Config, source Source, log *logger.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "termobridge"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "termobridge"
	}
	p := &Publisher{cfg: cfg, source: source, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetWill(p.availabilityTopic(), payloadOffline, qosAtLeastOnce, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// Fires on reconnects too, where the will may just have marked the
		// bridge offline.
		c.Publish(p.availabilityTopic(), qosAtLeastOnce, true, payloadOnline)
		p.infow("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.warnw("mqtt connection lost", "err", err)
	})
	p.client = mqtt.NewClient(opts)
	return p
}

// Run connects to the broker and mirrors state changes until ctx ends, then
// marks the bridge offline and disconnects cleanly.
func (p *Publisher) Run(ctx context.Context) error {
	tok := p.client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqttpub: connect to %s timed out", p.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqttpub: connect to %s: %w", p.cfg.Broker, err)
	}

	updates, cancel := p.source.Subscribe(updateBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case upd, ok := <-updates:
			if !ok {
				p.shutdown()
				return nil
			}
			p.publishState(upd)
		}
	}
}

func (p *Publisher) publishState(upd models.StateUpdate) {
	payload, err := json.Marshal(upd.State)
	if err != nil {
		p.warnw("encoding state payload failed", "dev", upd.DevID, "addr", upd.Addr, "err", err)
		return
	}
	p.client.Publish(p.stateTopic(upd.DevID, upd.Addr), qosAtLeastOnce, true, payload)
}

// shutdown retracts the availability flag before dropping the connection so
// consumers see a deliberate offline rather than waiting out the will.
func (p *Publisher) shutdown() {
	tok := p.client.Publish(p.availabilityTopic(), qosAtLeastOnce, true, payloadOffline)
	tok.WaitTimeout(offlineFlushWait)
	p.client.Disconnect(disconnectQuiesceMs)
	p.infow("mqtt publisher stopped")
}

func (p *Publisher) stateTopic(devID, addr string) string {
	return fmt.Sprintf("%s/%s/%s/state", p.cfg.TopicPrefix, devID, addr)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/bridge/status"
}

func (p *Publisher) infow(msg string, kv ...any) {
	if p.log != nil {
		p.log.Infow(msg, kv...)
	}
}

func (p *Publisher) warnw(msg string, kv ...any) {
	if p.log != nil {
		p.log.Warnw(msg, kv...)
	}
}
