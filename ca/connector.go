package ca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/keyward/request"
)

// ErrInvalidTransportCert is returned by a connector when the recovery
// service rejects the session-key wrapping because the transport
// certificate used by this CA does not match its own. The enrollment
// executor marks the request rejected on this specific failure.
var ErrInvalidTransportCert = errors.New("invalid transport cert")

// Connector is the channel to the key recovery service. Send dispatches the
// request, blocks for the response, and on success merges the response's
// extension data into the request in place.
type Connector interface {
	Send(ctx context.Context, req *request.Request) error
}

// connectorEnvelope is the wire shape exchanged with a remote recovery
// service.
type connectorEnvelope struct {
	RequestID string            `json:"request_id"`
	Type      request.Type      `json:"type"`
	Ext       map[string]string `json:"ext"`
}

type connectorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Ext     map[string]string `json:"ext,omitempty"`
}

// HTTPConnector talks to a remote recovery service over HTTPS.
type HTTPConnector struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPConnector builds a connector for the given recovery service URL.
func NewHTTPConnector(baseURL string) *HTTPConnector {
	return &HTTPConnector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts the request to the recovery service and merges the response
// extension data back into it.
func (c *HTTPConnector) Send(ctx context.Context, req *request.Request) error {
	body, err := json.Marshal(connectorEnvelope{RequestID: req.ID, Type: req.Type, Ext: req.Ext})
	if err != nil {
		return fmt.Errorf("encoding connector request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/agent/requests", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building connector request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("recovery service unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading connector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recovery service returned status %d", resp.StatusCode)
	}

	var out connectorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding connector response: %w", err)
	}
	if !out.Success {
		if strings.Contains(strings.ToLower(out.Error), "invalid transport cert") {
			return fmt.Errorf("%w: %s", ErrInvalidTransportCert, out.Error)
		}
		return fmt.Errorf("recovery service error: %s", out.Error)
	}
	for k, v := range out.Ext {
		req.SetExt(k, v)
	}
	return nil
}
