package mqttdevice

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken satisfies mqtt.Token and resolves immediately with a fixed error.
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool  { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishCall struct {
	topic    string
	qos      byte
	retained bool
	payload  interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	calls     []publishCall
	failNext  error
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) setConnected(c bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = c
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{topic, qos, retained, payload})
	err := f.failNext
	f.failNext = nil
	return newFakeToken(err)
}

func TestSetOnOff_PublishesRetainedJSON(t *testing.T) {
	pub := &fakePublisher{connected: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(ctx, pub, "pels")

	if err := w.SetOnOff(context.Background(), "device-1", true); err != nil {
		t.Fatalf("SetOnOff() error = %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(pub.calls))
	}
	call := pub.calls[0]
	if call.topic != "pels/device-1/on-off" {
		t.Errorf("topic = %q", call.topic)
	}
	if !call.retained {
		t.Errorf("retained = false, want true")
	}
	var payload onOffPayload
	if err := json.Unmarshal(call.payload.([]byte), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload.On {
		t.Errorf("payload.On = false, want true")
	}
}

func TestSend_QueuesWhileDisconnectedThenFlushes(t *testing.T) {
	pub := &fakePublisher{connected: false}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(ctx, pub, "pels")

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- w.SetTargetTemperature(context.Background(), "device-2", 19.0)
	}()

	// give the worker a moment to queue the command while disconnected.
	time.Sleep(50 * time.Millisecond)
	pub.setConnected(true)

	// the next queued-or-direct send triggers a flush of the backlog.
	if err := w.SetOnOff(context.Background(), "device-3", false); err != nil {
		t.Fatalf("SetOnOff() error = %v", err)
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Errorf("SetTargetTemperature() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued command to flush")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(pub.calls))
	}
}

func TestSend_PublishErrorPropagates(t *testing.T) {
	pub := &fakePublisher{connected: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := New(ctx, pub, "pels")

	pub.mu.Lock()
	pub.failNext = context.DeadlineExceeded
	pub.mu.Unlock()

	if err := w.SetOnOff(context.Background(), "device-1", true); err == nil {
		t.Fatal("expected publish error, got nil")
	}
}
