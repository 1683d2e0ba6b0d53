package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rankspot/rankspot/internal/models"
)

// Bridge is an HTTP client for the transport sidecar that owns the actual
// remote-service protocol. The engine sends it credentials, an egress
// endpoint, and an operation; the sidecar does the wire work.
type Bridge struct {
	BaseURL string
	Client  *http.Client
}

// NewBridge creates a Bridge with a bounded request timeout.
func NewBridge(baseURL string, timeout time.Duration) *Bridge {
	return &Bridge{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

type proxyPayload struct {
	Address  string  `json:"address"`
	Port     int     `json:"port"`
	Protocol string  `json:"protocol"`
	Username *string `json:"username,omitempty"`
	Password *string `json:"password,omitempty"`
}

type credentialPayload struct {
	SessionString string `json:"session_string,omitempty"`
	BotToken      string `json:"bot_token,omitempty"`
}

type searchRequest struct {
	Credential credentialPayload `json:"credential"`
	Proxy      *proxyPayload     `json:"proxy,omitempty"`
	Keyword    string            `json:"keyword"`
	Limit      int               `json:"limit"`
}

type searchResponse struct {
	Entities []struct {
		ExternalID int64  `json:"external_id"`
		Kind       string `json:"kind"`
	} `json:"entities"`
}

type relabelRequest struct {
	Credential credentialPayload `json:"credential"`
	Proxy      *proxyPayload     `json:"proxy,omitempty"`
	ExternalID int64             `json:"external_id"`
	Kind       string            `json:"kind"`
	Label      string            `json:"label"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Search implements Searcher.
func (b *Bridge) Search(ctx context.Context, cred Credential, proxy *models.Proxy, keyword string, limit int) ([]Entity, error) {
	req := searchRequest{
		Credential: credentialPayload{SessionString: cred.SessionString, BotToken: cred.BotToken},
		Proxy:      toProxyPayload(proxy),
		Keyword:    keyword,
		Limit:      limit,
	}

	var resp searchResponse
	if err := b.post(ctx, "/v1/search", req, &resp); err != nil {
		return nil, fmt.Errorf("bridge search: %w", err)
	}

	entities := make([]Entity, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		entities = append(entities, Entity{ExternalID: e.ExternalID, Kind: models.AssetKind(e.Kind)})
	}
	return entities, nil
}

// Relabel implements Relabeler.
func (b *Bridge) Relabel(ctx context.Context, cred Credential, proxy *models.Proxy, asset models.Asset, label string) error {
	req := relabelRequest{
		Credential: credentialPayload{SessionString: cred.SessionString, BotToken: cred.BotToken},
		Proxy:      toProxyPayload(proxy),
		ExternalID: asset.ExternalID,
		Kind:       string(asset.Kind),
		Label:      label,
	}
	if err := b.post(ctx, "/v1/relabel", req, nil); err != nil {
		return fmt.Errorf("bridge relabel: %w", err)
	}
	return nil
}

func (b *Bridge) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toProxyPayload(proxy *models.Proxy) *proxyPayload {
	if proxy == nil {
		return nil
	}
	return &proxyPayload{
		Address:  proxy.Address,
		Port:     proxy.Port,
		Protocol: proxy.Protocol,
		Username: proxy.Username,
		Password: proxy.Password,
	}
}

func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("%s", errResp.Error)
}
