package mqttpub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"termobridge/internal/models"
)

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool { return true }

func (t fakeToken) WaitTimeout(time.Duration) bool { return true }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t fakeToken) Error() error { return t.err }

type publishRec struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	published    []publishRec
	disconnected bool
}

func (f *fakeClient) Connect() mqtt.Token { return fakeToken{err: f.connectErr} }

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload any) mqtt.Token {
	var body string
	switch v := payload.(type) {
	case []byte:
		body = string(v)
	case string:
		body = v
	}
	f.mu.Lock()
	f.published = append(f.published, publishRec{topic: topic, retained: retained, payload: body})
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakeClient) records() []publishRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishRec, len(f.published))
	copy(out, f.published)
	return out
}

func (f *fakeClient) IsConnected() bool { return true }

func (f *fakeClient) IsConnectionOpen() bool { return true }

func (f *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return fakeToken{} }

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}

func (f *fakeClient) Unsubscribe(...string) mqtt.Token { return fakeToken{} }

func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

type sourceStub struct {
	ch chan models.StateUpdate
}

func (s *sourceStub) Subscribe(int) (<-chan models.StateUpdate, func()) {
	return s.ch, func() {}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublisher_MirrorsStateUpdates(t *testing.T) {
	fc := &fakeClient{}
	src := &sourceStub{ch: make(chan models.StateUpdate, 4)}
	p := &Publisher{cfg: Config{TopicPrefix: "termobridge"}, source: src, client: fc}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	src.ch <- models.StateUpdate{
		DevID:  "dev1",
		Addr:   "2",
		Source: models.SourcePush,
		State:  models.HeaterState{DevID: "dev1", Addr: "2", Mode: "auto", STemp: 21.0, Units: "C"},
	}

	waitFor(t, time.Second, func() bool { return len(fc.records()) >= 1 })

	rec := fc.records()[0]
	if rec.topic != "termobridge/dev1/2/state" {
		t.Fatalf("topic = %q, want termobridge/dev1/2/state", rec.topic)
	}
	if !rec.retained {
		t.Fatal("state publish should be retained")
	}
	var got models.HeaterState
	if err := json.Unmarshal([]byte(rec.payload), &got); err != nil {
		t.Fatalf("payload is not valid state JSON: %v", err)
	}
	if got.Mode != "auto" || got.STemp != 21.0 {
		t.Fatalf("payload state = %+v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	recs := fc.records()
	last := recs[len(recs)-1]
	if last.topic != "termobridge/bridge/status" || last.payload != payloadOffline {
		t.Fatalf("final publish = %+v, want retained offline on availability topic", last)
	}
	if !last.retained {
		t.Fatal("availability publish should be retained")
	}
	if !fc.disconnected {
		t.Fatal("client was not disconnected")
	}
}

func TestPublisher_StopsWhenSourceCloses(t *testing.T) {
	fc := &fakeClient{}
	src := &sourceStub{ch: make(chan models.StateUpdate)}
	p := &Publisher{cfg: Config{TopicPrefix: "tb"}, source: src, client: fc}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	close(src.ch)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after source close")
	}
	if !fc.disconnected {
		t.Fatal("client was not disconnected")
	}
}

func TestPublisher_ConnectErrorSurfaces(t *testing.T) {
	fc := &fakeClient{connectErr: mqtt.ErrNotConnected}
	p := &Publisher{cfg: Config{Broker: "tcp://127.0.0.1:1883"}, source: &sourceStub{}, client: fc}

	err := p.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Fatalf("Run error = %v, want connect failure", err)
	}
}

func TestNew_AppliesNamespaceDefaults(t *testing.T) {
	p := New(Config{Broker: "tcp://127.0.0.1:1883"}, &sourceStub{}, nil)

	if p.cfg.TopicPrefix != "termobridge" {
		t.Fatalf("TopicPrefix = %q, want termobridge", p.cfg.TopicPrefix)
	}
	if got := p.stateTopic("dev1", "3"); got != "termobridge/dev1/3/state" {
		t.Fatalf("stateTopic = %q", got)
	}
	if got := p.availabilityTopic(); got != "termobridge/bridge/status" {
		t.Fatalf("availabilityTopic = %q", got)
	}
}
