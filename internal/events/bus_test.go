package events

import (
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type scopedEvent struct {
	Type       string `json:"type"`
	SettingsID uint   `json:"settingsId"`
}

func (e scopedEvent) Scope() uint { return e.SettingsID }

type recorder struct {
	mu   sync.Mutex
	seen []interface{}
}

func (r *recorder) Broadcast(v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, v)
}

func (r *recorder) events() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.seen...)
}

func TestSubjectRoundTrip(t *testing.T) {
	b := NewBus(nil, "", &recorder{}, nil)

	subject := b.subjectFor(scopedEvent{SettingsID: 42})
	if subject != "etims.events.42" {
		t.Fatalf("Expected etims.events.42, got %s", subject)
	}
	if b.scopeOf(subject) != 42 {
		t.Errorf("Expected scope 42 from %s", subject)
	}
	if got := b.subjectFor(map[string]string{"type": "ping"}); got != "etims.events.all" {
		t.Errorf("Unscoped events should go to .all, got %s", got)
	}
	if b.scopeOf("etims.events.all") != 0 {
		t.Error("the .all subject should carry no scope")
	}
}

func TestHandleRelaysPayloadAndScope(t *testing.T) {
	local := &recorder{}
	b := NewBus(nil, "etims.events", local, nil)

	payload := []byte(`{"type":"submission.status","settingsId":7}`)
	b.handle(&nats.Msg{Subject: "etims.events.7", Data: payload})
	b.handle(&nats.Msg{Subject: "etims.events.7", Data: []byte("not json")})

	seen := local.events()
	if len(seen) != 1 {
		t.Fatalf("Expected one relayed event, got %d", len(seen))
	}
	ev, ok := seen[0].(relayed)
	if !ok {
		t.Fatalf("Expected relayed event, got %T", seen[0])
	}
	if ev.Scope() != 7 {
		t.Errorf("Expected scope 7, got %d", ev.Scope())
	}
	out, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Failed to marshal relayed event: %v", err)
	}
	if string(out) != string(payload) {
		t.Errorf("Relayed payload changed: %s", out)
	}
}

func TestBusAcrossReplicas(t *testing.T) {
	url := os.Getenv("ETIMS_TEST_NATS_URL")
	if url == "" {
		t.Skip("ETIMS_TEST_NATS_URL not set")
	}

	ncA, err := Connect(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	ncB, err := Connect(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	subject := "etims.test." + time.Now().Format("150405.000000")
	localA, localB := &recorder{}, &recorder{}
	a := NewBus(ncA, subject, localA, nil)
	b := NewBus(ncB, subject, localB, nil)
	defer a.Close()
	defer b.Close()
	if err := a.Start(); err != nil {
		t.Fatalf("Failed to start bus: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Failed to start bus: %v", err)
	}
	ncB.Flush()

	a.Broadcast(scopedEvent{Type: "submission.status", SettingsID: 3})
	ncA.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for len(localB.events()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(localB.events()) != 1 {
		t.Fatalf("Expected the other replica to receive one event, got %d", len(localB.events()))
	}
	if len(localA.events()) != 1 {
		t.Errorf("Publisher should deliver locally exactly once, got %d", len(localA.events()))
	}
}
