package httphub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, onRequest func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/token" {
			json.NewEncoder(w).Encode(authResponse{AccessToken: "test-token"})
			return
		}
		onRequest(r)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestSetOnOff_SendsAuthorizedPutRequest(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var gotBody onOffRequest

	server := newTestServer(t, func(r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
	})
	defer server.Close()

	client := New(http.Client{}, server.URL, "user", "pass")
	if err := client.SetOnOff(context.Background(), "device-1", true); err != nil {
		t.Fatalf("SetOnOff() error = %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotPath != "/devices/device-1/on-off" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !gotBody.On {
		t.Errorf("body.On = false, want true")
	}
}

func TestSetTargetTemperature_SendsTarget(t *testing.T) {
	var gotBody targetTemperatureRequest

	server := newTestServer(t, func(r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
	})
	defer server.Close()

	client := New(http.Client{}, server.URL, "user", "pass")
	if err := client.SetTargetTemperature(context.Background(), "device-2", 21.5); err != nil {
		t.Fatalf("SetTargetTemperature() error = %v", err)
	}

	if gotBody.Target != 21.5 {
		t.Errorf("body.Target = %v, want 21.5", gotBody.Target)
	}
}

func TestReadCapabilities_DecodesNestedFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/token" {
			json.NewEncoder(w).Encode(authResponse{AccessToken: "test-token"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":           "device-1",
			"name":         "Living room heater",
			"zone":         "living-room",
			"capabilities": []string{"onoff", "target_temperature", "measure_power"},
			"available":    true,
			"capabilitiesObj": map[string]interface{}{
				"onoff":              true,
				"measure_power":      1.5,
				"target_temperature": 21.0,
			},
		})
	}))
	defer server.Close()

	client := New(http.Client{}, server.URL, "user", "pass")
	caps, err := client.ReadCapabilities(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("ReadCapabilities() error = %v", err)
	}

	if caps.Name != "Living room heater" || caps.Zone != "living-room" {
		t.Errorf("caps = %+v", caps)
	}
	if caps.CapabilitiesObj.Onoff == nil || !*caps.CapabilitiesObj.Onoff {
		t.Errorf("CapabilitiesObj.Onoff = %v, want true", caps.CapabilitiesObj.Onoff)
	}
	if caps.CapabilitiesObj.MeasurePower == nil || *caps.CapabilitiesObj.MeasurePower != 1.5 {
		t.Errorf("CapabilitiesObj.MeasurePower = %v, want 1.5", caps.CapabilitiesObj.MeasurePower)
	}
}

func TestPut_NonOKStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/token" {
			json.NewEncoder(w).Encode(authResponse{AccessToken: "test-token"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(http.Client{}, server.URL, "user", "pass")
	if err := client.SetOnOff(context.Background(), "device-1", false); err == nil {
		t.Fatal("expected error for 500 response, got nil")
	}
}
