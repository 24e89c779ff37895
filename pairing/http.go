package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBody caps how much of a pairing response we'll read,
// mirroring descriptor.FetchDescriptor's 1MB cap against a hostile or
// misbehaving server.
const maxResponseBody = 1 << 20

// HTTPPairing implements Pairing against a real Astarte pairing API
// endpoint over HTTPS.
type HTTPPairing struct {
	BaseURL string // e.g. "https://api.astarte.example.com/pairing"
	Realm   string
	DeviceID string

	client *http.Client
}

// NewHTTPPairing returns an HTTPPairing with a sane request timeout,
// matching directory.fetchConsensusFrom's fixed-timeout client.
func NewHTTPPairing(baseURL, realm, deviceID string) *HTTPPairing {
	return &HTTPPairing{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		Realm:    realm,
		DeviceID: deviceID,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPPairing) devicePath() string {
	return fmt.Sprintf("%s/v1/%s/devices/%s", p.BaseURL, p.Realm, p.DeviceID)
}

type registerRequest struct {
	Data struct {
		HwID string `json:"hw_id"`
	} `json:"data"`
}

type registerResponse struct {
	Data struct {
		CredentialsSecret string `json:"credentials_secret"`
	} `json:"data"`
}

// RegisterDevice performs the initial device registration and returns
// the credentials_secret used for all subsequent pairing calls.
func (p *HTTPPairing) RegisterDevice(ctx context.Context) (string, error) {
	var req registerRequest
	req.Data.HwID = p.DeviceID
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("pairing: marshal register request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/%s/agent/devices", p.BaseURL, p.Realm)
	resp, err := p.doJSON(ctx, http.MethodPost, endpoint, "", body)
	if err != nil {
		return "", fmt.Errorf("pairing: register device: %w", err)
	}

	var out registerResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("pairing: decode register response: %w", err)
	}
	if out.Data.CredentialsSecret == "" {
		return "", fmt.Errorf("pairing: register device: empty credentials_secret")
	}
	return out.Data.CredentialsSecret, nil
}

type brokerInfoResponse struct {
	Data struct {
		Protocols struct {
			AstarteMQTTV1 struct {
				BrokerURL string `json:"broker_url"`
			} `json:"astarte_mqtt_v1"`
		} `json:"protocols"`
	} `json:"data"`
}

// GetBrokerURL fetches "mqtts://host:port" (or "mqtt://...") from the
// device's pairing info.
func (p *HTTPPairing) GetBrokerURL(ctx context.Context, credentialSecret string) (string, error) {
	resp, err := p.doJSON(ctx, http.MethodGet, p.devicePath(), credentialSecret, nil)
	if err != nil {
		return "", fmt.Errorf("pairing: get broker url: %w", err)
	}
	var out brokerInfoResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("pairing: decode broker info: %w", err)
	}
	u := out.Data.Protocols.AstarteMQTTV1.BrokerURL
	if u == "" {
		return "", fmt.Errorf("pairing: broker url missing from response")
	}
	if _, err := url.Parse(u); err != nil {
		return "", fmt.Errorf("pairing: invalid broker url %q: %w", u, err)
	}
	return u, nil
}

type credentialsRequest struct {
	Data struct {
		CSR string `json:"csr"`
	} `json:"data"`
}

type credentialsResponse struct {
	Data struct {
		ClientCrt string `json:"client_crt"`
	} `json:"data"`
}

// GetClientCertificate generates a fresh key pair, submits a CSR, and
// returns the issued certificate alongside the private key, both PEM
// encoded.
func (p *HTTPPairing) GetClientCertificate(ctx context.Context, credentialSecret string) ([]byte, []byte, error) {
	keyPEM, csrPEM, err := generateCSR(p.Realm, p.DeviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: generate csr: %w", err)
	}

	var req credentialsRequest
	req.Data.CSR = string(csrPEM)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: marshal credentials request: %w", err)
	}

	endpoint := p.devicePath() + "/protocols/astarte_mqtt_v1/credentials"
	resp, err := p.doJSON(ctx, http.MethodPost, endpoint, credentialSecret, body)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: get client certificate: %w", err)
	}

	var out credentialsResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, nil, fmt.Errorf("pairing: decode credentials response: %w", err)
	}
	if out.Data.ClientCrt == "" {
		return nil, nil, fmt.Errorf("pairing: empty client certificate in response")
	}
	return keyPEM, []byte(out.Data.ClientCrt), nil
}

type verifyRequest struct {
	Data struct {
		ClientCrt string `json:"client_crt"`
	} `json:"data"`
}

type verifyResponse struct {
	Data struct {
		Valid bool `json:"valid"`
	} `json:"data"`
}

// VerifyClientCertificate asks the pairing service whether certPEM is
// still valid for this device.
func (p *HTTPPairing) VerifyClientCertificate(ctx context.Context, credentialSecret string, certPEM []byte) error {
	var req verifyRequest
	req.Data.ClientCrt = string(certPEM)
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("pairing: marshal verify request: %w", err)
	}

	endpoint := p.devicePath() + "/protocols/astarte_mqtt_v1/credentials/verify"
	resp, err := p.doJSON(ctx, http.MethodPost, endpoint, credentialSecret, body)
	if err != nil {
		return fmt.Errorf("pairing: verify client certificate: %w", err)
	}

	var out verifyResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return fmt.Errorf("pairing: decode verify response: %w", err)
	}
	if !out.Data.Valid {
		return fmt.Errorf("pairing: certificate reported invalid")
	}
	return nil
}

// doJSON performs one HTTP round trip, capping the response body the
// same way directory.fetchConsensusFrom does against directory
// authorities, and wraps non-2xx statuses as errors.
func (p *HTTPPairing) doJSON(ctx context.Context, method, endpoint, bearer string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(respBody, 256))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
