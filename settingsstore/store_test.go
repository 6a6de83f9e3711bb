package settingsstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

type capacitySettings struct {
	LimitKw  float64 `json:"limitKw"`
	MarginKw float64 `json:"marginKw"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_SetGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	in := capacitySettings{LimitKw: 10, MarginKw: 0.2}
	if err := store.Set("capacity_limit_kw", in, time.Now().UnixMilli()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var out capacitySettings
	found, err := store.Get("capacity_limit_kw", &out)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatalf("Get() found = false, want true")
	}
	if out != in {
		t.Errorf("Get() = %+v, want %+v", out, in)
	}
}

func TestStore_GetMissingKey(t *testing.T) {
	store := newTestStore(t)

	var out capacitySettings
	found, err := store.Get("does_not_exist", &out)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Errorf("Get() found = true, want false")
	}
}

func TestStore_SubscribeNotifiesOnSet(t *testing.T) {
	store := newTestStore(t)

	received := make(chan string, 1)
	unsubscribe := store.Subscribe("operating_mode", func(key string, raw json.RawMessage) {
		received <- string(raw)
	})
	defer unsubscribe()

	if err := store.Set("operating_mode", "Away", time.Now().UnixMilli()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case raw := <-received:
		if raw != `"Away"` {
			t.Errorf("notification payload = %s, want %q", raw, `"Away"`)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber notification")
	}
}

func TestStore_UnsubscribeStopsNotifications(t *testing.T) {
	store := newTestStore(t)

	received := make(chan string, 4)
	unsubscribe := store.Subscribe("operating_mode", func(key string, raw json.RawMessage) {
		received <- string(raw)
	})
	unsubscribe()

	if err := store.Set("operating_mode", "Night", time.Now().UnixMilli()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case raw := <-received:
		t.Errorf("unexpected notification after unsubscribe: %s", raw)
	case <-time.After(100 * time.Millisecond):
		// expected: no notification
	}
}
