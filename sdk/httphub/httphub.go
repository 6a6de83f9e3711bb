// Package httphub implements plan.DeviceWriter against a home-automation hub's HTTP API,
// following the request/auth-header/JSON-decode shape of axleclient.Client.
package httphub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/mitchellh/mapstructure"
)

// tokenMaxAge bounds how long a bearer token is reused before it is refreshed.
const tokenMaxAge = 10 * time.Minute

// Client drives devices on a home-automation hub over its local HTTP API.
type Client struct {
	httpClient http.Client
	baseURL    string
	username   string
	password   string

	token           string
	tokenUpdated    time.Time
	logger          *slog.Logger
}

// New creates a Client. httpClient is taken by value, matching axleclient's convention of
// owning a private copy rather than sharing a caller's http.Client.
func New(httpClient http.Client, baseURL, username, password string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		username:   username,
		password:   password,
		logger:     slog.Default().With("component", "httphub", "host", baseURL),
	}
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type onOffRequest struct {
	On bool `json:"on"`
}

type targetTemperatureRequest struct {
	Target float64 `json:"target"`
}

// SetOnOff implements plan.DeviceWriter.
func (c *Client) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	body, err := json.Marshal(onOffRequest{On: on})
	if err != nil {
		return fmt.Errorf("marshal on/off body: %w", err)
	}
	return c.put(ctx, fmt.Sprintf("/devices/%s/on-off", deviceID), body)
}

// SetTargetTemperature implements plan.DeviceWriter.
func (c *Client) SetTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	body, err := json.Marshal(targetTemperatureRequest{Target: target})
	if err != nil {
		return fmt.Errorf("marshal target body: %w", err)
	}
	return c.put(ctx, fmt.Sprintf("/devices/%s/target-temperature", deviceID), body)
}

// DeviceCapabilities is the inbound device telemetry shape spec.md §6 names
// (`id, name, capabilities[], capabilitiesObj{...}, settings{...}, energy{...}, available,
// zone`), decoded from the hub's raw JSON via mapstructure the way acuvim2 decodes raw
// register maps into typed readings.
type DeviceCapabilities struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	Zone         string   `mapstructure:"zone"`
	Capabilities []string `mapstructure:"capabilities"`
	Available    bool     `mapstructure:"available"`

	CapabilitiesObj struct {
		MeasurePower      *float64 `mapstructure:"measure_power"`
		MeterPower        *float64 `mapstructure:"meter_power"`
		MeasureTemperature *float64 `mapstructure:"measure_temperature"`
		TargetTemperature *float64 `mapstructure:"target_temperature"`
		Onoff             *bool    `mapstructure:"onoff"`
	} `mapstructure:"capabilitiesObj"`

	Settings struct {
		LoadKw       *float64 `mapstructure:"load"`
		EnergyValueOn  *float64 `mapstructure:"energy_value_on"`
		EnergyValueOff *float64 `mapstructure:"energy_value_off"`
	} `mapstructure:"settings"`

	Energy struct {
		W             *float64 `mapstructure:"W"`
		Approximation *bool    `mapstructure:"approximation"`
	} `mapstructure:"energy"`
}

// capabilitiesQuery encodes the optional device-read filter as URL query parameters via
// go-querystring, the way axleclient's list endpoints are called.
type capabilitiesQuery struct {
	Zone string `url:"zone,omitempty"`
}

// ReadCapabilities fetches one device's current telemetry from the hub, the "inbound SDK"
// half of spec.md §6 the executor's writes complement.
func (c *Client) ReadCapabilities(ctx context.Context, deviceID string) (DeviceCapabilities, error) {
	values, err := query.Values(capabilitiesQuery{})
	if err != nil {
		return DeviceCapabilities{}, fmt.Errorf("encode query: %w", err)
	}

	url := fmt.Sprintf("%s/devices/%s?%s", c.baseURL, deviceID, values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return DeviceCapabilities{}, err
	}
	if err := c.authorizeRequest(req); err != nil {
		return DeviceCapabilities{}, fmt.Errorf("authorization: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DeviceCapabilities{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DeviceCapabilities{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return DeviceCapabilities{}, fmt.Errorf("decode body: %w", err)
	}

	var caps DeviceCapabilities
	if err := mapstructure.Decode(raw, &caps); err != nil {
		return DeviceCapabilities{}, fmt.Errorf("decode capabilities: %w", err)
	}
	return caps, nil
}

func (c *Client) put(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.authorizeRequest(req); err != nil {
		return fmt.Errorf("authorization: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	c.logger.Debug("Issued device command", "path", path, "status_code", resp.StatusCode)
	return nil
}

func (c *Client) authorizeRequest(req *http.Request) error {
	if time.Since(c.tokenUpdated) >= tokenMaxAge {
		if err := c.refreshToken(); err != nil {
			return fmt.Errorf("refresh token: %w", err)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return nil
}

func (c *Client) refreshToken() error {
	body, err := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("parse body: %w", err)
	}

	c.token = parsed.AccessToken
	c.tokenUpdated = time.Now()
	return nil
}
