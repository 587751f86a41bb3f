package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/lock-code-manager/backend/internal/config"
	"github.com/lock-code-manager/backend/internal/storage/models"
)

// HAClient is a client for the Home Assistant REST API.
type HAClient struct {
	config     config.HomeAssistantConfig
	httpClient *http.Client
}

// NewHAClient creates a new Home Assistant API client.
func NewHAClient(cfg config.HomeAssistantConfig) *HAClient {
	return &HAClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Entity is an entity state from Home Assistant.
type Entity struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// FriendlyName returns the display name, falling back to the entity ID.
func (e Entity) FriendlyName() string {
	if name, ok := e.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return e.EntityID
}

// DeviceClass returns the device_class attribute.
func (e Entity) DeviceClass() string {
	s, _ := e.Attributes["device_class"].(string)
	return s
}

// SupportedFeatures returns the supported_features bitmask.
func (e Entity) SupportedFeatures() int {
	f, _ := e.Attributes["supported_features"].(float64)
	return int(f)
}

// Available reports whether Home Assistant can reach the device.
func (e Entity) Available() bool {
	return e.State != "unavailable" && e.State != "unknown"
}

// statusError is a non-2xx response from Home Assistant.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// GetLocks retrieves all lock entities from Home Assistant.
func (c *HAClient) GetLocks(ctx context.Context) ([]Entity, error) {
	var states []Entity
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &states); err != nil {
		return nil, err
	}

	var locks []Entity
	for _, state := range states {
		if strings.HasPrefix(state.EntityID, "lock.") {
			locks = append(locks, state)
		}
	}
	return locks, nil
}

// GetEntityState retrieves one entity. It returns nil, nil when the entity
// does not exist.
func (c *HAClient) GetEntityState(ctx context.Context, entityID string) (*Entity, error) {
	var state Entity
	err := c.do(ctx, http.MethodGet, "/api/states/"+entityID, nil, &state)
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SetUserCode sets a user code on a lock.
func (c *HAClient) SetUserCode(ctx context.Context, entityID string, slot int, code string) error {
	return c.callService(ctx, "lock", "set_usercode", map[string]any{
		"entity_id": entityID,
		"code_slot": slot,
		"usercode":  code,
	}, nil)
}

// ClearUserCode removes a user code from a lock.
func (c *HAClient) ClearUserCode(ctx context.Context, entityID string, slot int) error {
	return c.callService(ctx, "lock", "clear_usercode", map[string]any{
		"entity_id": entityID,
		"code_slot": slot,
	}, nil)
}

// GetUserCodes calls the configured read service with return_response and
// returns the codes keyed by slot.
func (c *HAClient) GetUserCodes(ctx context.Context, entityID string) (map[int]string, error) {
	domain, service, ok := strings.Cut(c.config.ReadService, ".")
	if !ok {
		return nil, fmt.Errorf("invalid read service %q", c.config.ReadService)
	}

	var resp struct {
		ServiceResponse map[string]map[string]json.RawMessage `json:"service_response"`
	}
	if err := c.callService(ctx, domain, service+"?return_response", map[string]any{
		"entity_id": entityID,
	}, &resp); err != nil {
		return nil, err
	}

	codes := make(map[int]string)
	for key, raw := range resp.ServiceResponse[entityID] {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		codes[n] = decodeHACode(raw)
	}
	return codes, nil
}

// decodeHACode accepts either a bare code string or an object with a
// "code" field and an optional "in_use" flag.
func decodeHACode(raw json.RawMessage) string {
	var code string
	if json.Unmarshal(raw, &code) == nil {
		return code
	}
	var obj struct {
		Code  string `json:"code"`
		InUse *bool  `json:"in_use"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	if obj.InUse != nil && !*obj.InUse {
		return ""
	}
	return obj.Code
}

// callService calls a Home Assistant service.
func (c *HAClient) callService(ctx context.Context, domain, service string, data, out any) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/services/%s/%s", domain, service), data, out)
}

func (c *HAClient) do(ctx context.Context, method, path string, data, out any) error {
	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// newRequest creates a new HTTP request with authentication.
func (c *HAClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.URL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.AuthToken())
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// classifyHTTP maps a Home Assistant failure onto the provider taxonomy.
func classifyHTTP(op string, slot int, err error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return Classify(op, slot, err)
	}
	switch {
	case se.Status == http.StatusBadRequest || se.Status == http.StatusUnprocessableEntity:
		return Rejected(op, slot, err)
	case se.Status == http.StatusNotFound:
		return NotFound(op, slot, err)
	case se.Status == http.StatusRequestTimeout:
		return Transient(op, slot, err)
	case se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden:
		return Rejected(op, slot, err)
	default:
		return Transient(op, slot, err)
	}
}

// HomeAssistantProvider manages codes through Home Assistant's lock
// services. It has no push channel and is polled.
type HomeAssistantProvider struct {
	client   *HAClient
	entityID string
	start    int
	count    int

	connected atomic.Bool
}

func newHomeAssistantProvider(lock models.Lock, deps Deps) (Provider, error) {
	entityID := lock.Param("entity_id", "")
	if !strings.HasPrefix(entityID, "lock.") {
		return nil, fmt.Errorf("home_assistant lock %q: params.entity_id must be a lock entity", lock.Name)
	}
	return NewHomeAssistantProvider(NewHAClient(deps.Config.HomeAssistant), entityID, lock.StartSlot, lock.SlotCount), nil
}

// NewHomeAssistantProvider creates a provider for entityID.
func NewHomeAssistantProvider(client *HAClient, entityID string, startSlot, slotCount int) *HomeAssistantProvider {
	return &HomeAssistantProvider{client: client, entityID: entityID, start: startSlot, count: slotCount}
}

func (p *HomeAssistantProvider) Platform() string { return models.PlatformHomeAssistant }

// Connect checks that the entity exists and is available.
func (p *HomeAssistantProvider) Connect(ctx context.Context) error {
	return p.checkEntity(ctx, "connect")
}

func (p *HomeAssistantProvider) checkEntity(ctx context.Context, op string) error {
	state, err := p.client.GetEntityState(ctx, p.entityID)
	if err != nil {
		p.connected.Store(false)
		return classifyHTTP(op, 0, err)
	}
	if state == nil {
		p.connected.Store(false)
		return NotFound(op, 0, fmt.Errorf("entity %s does not exist", p.entityID))
	}
	if !state.Available() {
		p.connected.Store(false)
		return Transient(op, 0, fmt.Errorf("entity %s is %s", p.entityID, state.State))
	}
	p.connected.Store(true)
	return nil
}

func (p *HomeAssistantProvider) IsConnected() bool { return p.connected.Load() }

// GetUserCodes re-checks entity availability, then reads the managed range.
func (p *HomeAssistantProvider) GetUserCodes(ctx context.Context) ([]CodeSlot, error) {
	if err := p.checkEntity(ctx, "get_user_codes"); err != nil {
		return nil, err
	}

	codes, err := p.client.GetUserCodes(ctx, p.entityID)
	if err != nil {
		return nil, classifyHTTP("get_user_codes", 0, err)
	}

	out := make([]CodeSlot, 0, p.count)
	for n := p.start; n < p.start+p.count; n++ {
		code := codes[n]
		out = append(out, CodeSlot{Number: n, Code: code, InUse: !isCleared(code)})
	}
	return out, nil
}

func (p *HomeAssistantProvider) SetUserCode(ctx context.Context, slot int, code, _ string) error {
	if err := p.client.SetUserCode(ctx, p.entityID, slot, code); err != nil {
		return classifyHTTP("set_user_code", slot, err)
	}
	return nil
}

func (p *HomeAssistantProvider) ClearUserCode(ctx context.Context, slot int) error {
	if err := p.client.ClearUserCode(ctx, p.entityID, slot); err != nil {
		return classifyHTTP("clear_user_code", slot, err)
	}
	return nil
}

func (p *HomeAssistantProvider) Close() error {
	p.connected.Store(false)
	p.client.httpClient.CloseIdleConnections()
	return nil
}
