// internal/registry/registry.go
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/InsightForge/oracle/internal/apikeys"
	"github.com/InsightForge/oracle/internal/domain"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Transport is how an integration receives results.
type Transport string

const (
	TransportWebhook Transport = "webhook"
	TransportPolling Transport = "polling"
	TransportStream  Transport = "stream"
)

func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case TransportWebhook, TransportPolling, TransportStream:
		return Transport(s), nil
	case "":
		return TransportPolling, nil
	default:
		return "", fmt.Errorf("registry: invalid transport %q", s)
	}
}

// Status of an integration. Suspended integrations still authenticate
// but are rejected downstream, preserving the audit trail.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Config is the per-integration analysis configuration.
type Config struct {
	Domain        domain.Domain   `json:"domain"`
	Models        []string        `json:"models"`
	Rounds        int             `json:"rounds"`
	NotifyWebhook bool            `json:"notify_webhook"`
	NotifyStream  bool            `json:"notify_stream"`
	PayloadSchema json.RawMessage `json:"payload_schema,omitempty"`
}

// Integration is a registered external caller/data source.
type Integration struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	OwnerID       string     `json:"owner_id"`
	Transport     Transport  `json:"transport"`
	WebhookURL    string     `json:"webhook_url,omitempty"`
	WebhookSecret string     `json:"-"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
	Config        Config     `json:"configuration"`

	keyID   string
	keySalt []byte
	keyHash string
}

func (i *Integration) clone() *Integration {
	c := *i
	c.Config.Models = append([]string(nil), i.Config.Models...)
	if i.LastActivity != nil {
		t := *i.LastActivity
		c.LastActivity = &t
	}
	return &c
}

// RegisterRequest carries everything needed to create an integration.
type RegisterRequest struct {
	Name       string
	Transport  string
	WebhookURL string
	Config     Config
}

// Stats are the dashboard aggregates over all integrations.
type Stats struct {
	Total     int `json:"total_integrations"`
	Active    int `json:"active_integrations"`
	Suspended int `json:"suspended_integrations"`
}

var (
	ErrNotFound    = errors.New("registry: integration not found")
	ErrInvalidKey  = errors.New("registry: invalid API key")
	ErrNotOwner    = errors.New("registry: caller does not own this integration")
	ErrSuspended   = errors.New("registry: integration is suspended")
	ErrBadWebhook  = errors.New("registry: webhook URL must be an absolute http(s) URL")
	ErrBadSchema   = errors.New("registry: payload schema is not a valid JSON schema")
	ErrNameMissing = errors.New("registry: name is required")
)

// Registry stores integration records and issues/validates API keys.
// It is the shared mutable state between concurrent requests; all
// access goes through the lock.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Integration
	byKeyID map[string]string // key id -> integration id
	gen     *apikeys.Generator
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		byID:    make(map[string]*Integration),
		byKeyID: make(map[string]string),
		gen:     apikeys.NewGenerator(),
		logger:  logger,
	}
}

// Register creates an integration for owner and returns it together
// with the plaintext API key. The plaintext is never recoverable again.
// Owner+name pairs are not unique; only the generated id is.
func (r *Registry) Register(owner string, req RegisterRequest) (*Integration, string, error) {
	if req.Name == "" {
		return nil, "", ErrNameMissing
	}
	transport, err := ParseTransport(req.Transport)
	if err != nil {
		return nil, "", err
	}
	if req.WebhookURL != "" {
		if err := validateWebhookURL(req.WebhookURL); err != nil {
			return nil, "", err
		}
	}
	if transport == TransportWebhook && req.WebhookURL == "" {
		return nil, "", ErrBadWebhook
	}
	if len(req.Config.PayloadSchema) > 0 {
		loader := gojsonschema.NewBytesLoader(req.Config.PayloadSchema)
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrBadSchema, err)
		}
	}

	key, err := r.gen.Generate()
	if err != nil {
		return nil, "", fmt.Errorf("registry: generate key: %w", err)
	}
	secret, err := generateWebhookSecret()
	if err != nil {
		return nil, "", fmt.Errorf("registry: generate webhook secret: %w", err)
	}

	cfg := req.Config
	if cfg.Domain == "" {
		cfg.Domain = domain.Generic
	}
	if cfg.Rounds < 1 {
		cfg.Rounds = 1
	}

	integ := &Integration{
		ID:            uuid.New().String(),
		Name:          req.Name,
		OwnerID:       owner,
		Transport:     transport,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: secret,
		Status:        StatusActive,
		CreatedAt:     time.Now().UTC(),
		Config:        cfg,
		keyID:         key.KeyID,
		keySalt:       key.Salt,
		keyHash:       key.Hash,
	}

	r.mu.Lock()
	r.byID[integ.ID] = integ
	r.byKeyID[key.KeyID] = integ.ID
	r.mu.Unlock()

	r.logger.Info("integration registered",
		zap.String("integration_id", integ.ID),
		zap.String("owner", owner),
		zap.String("transport", string(transport)))

	return integ.clone(), key.Plaintext, nil
}

// Authenticate resolves a presented key to its integration. Comparison
// runs in constant time; suspended integrations authenticate and are
// rejected downstream with a distinct error.
func (r *Registry) Authenticate(presented string) (*Integration, error) {
	keyID, secret, ok := apikeys.Parse(presented)
	if !ok {
		return nil, ErrInvalidKey
	}

	r.mu.RLock()
	id, found := r.byKeyID[keyID]
	var integ *Integration
	if found {
		integ = r.byID[id]
	}
	r.mu.RUnlock()

	if integ == nil || !apikeys.Verify(secret, integ.keySalt, integ.keyHash) {
		return nil, ErrInvalidKey
	}
	return integ.clone(), nil
}

// RotateKey issues a new key for the integration, invalidating the old
// one. Only the owner may rotate.
func (r *Registry) RotateKey(id, owner string) (string, error) {
	key, err := r.gen.Generate()
	if err != nil {
		return "", fmt.Errorf("registry: generate key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	integ, ok := r.byID[id]
	if !ok {
		return "", ErrNotFound
	}
	if integ.OwnerID != owner {
		return "", ErrNotOwner
	}

	delete(r.byKeyID, integ.keyID)
	integ.keyID = key.KeyID
	integ.keySalt = key.Salt
	integ.keyHash = key.Hash
	r.byKeyID[key.KeyID] = id

	r.logger.Info("api key rotated", zap.String("integration_id", id))
	return key.Plaintext, nil
}

// Get returns the integration by id, or ErrNotFound.
func (r *Registry) Get(id string) (*Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	integ, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return integ.clone(), nil
}

// ListByOwner returns all integrations belonging to owner.
func (r *Registry) ListByOwner(owner string) []*Integration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Integration
	for _, integ := range r.byID {
		if integ.OwnerID == owner {
			out = append(out, integ.clone())
		}
	}
	return out
}

// UpdateConfig replaces the integration's configuration. Suspended
// integrations are immutable except for reactivation.
func (r *Registry) UpdateConfig(id, owner string, cfg Config) error {
	if len(cfg.PayloadSchema) > 0 {
		loader := gojsonschema.NewBytesLoader(cfg.PayloadSchema)
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSchema, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	integ, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if integ.OwnerID != owner {
		return ErrNotOwner
	}
	if integ.Status == StatusSuspended {
		return ErrSuspended
	}
	if cfg.Domain == "" {
		cfg.Domain = domain.Generic
	}
	if cfg.Rounds < 1 {
		cfg.Rounds = 1
	}
	integ.Config = cfg
	return nil
}

// Suspend deactivates an integration. It keeps authenticating so the
// rejection is auditable.
func (r *Registry) Suspend(id, owner string) error {
	return r.setStatus(id, owner, StatusSuspended)
}

// Reactivate re-enables a suspended integration.
func (r *Registry) Reactivate(id, owner string) error {
	return r.setStatus(id, owner, StatusActive)
}

func (r *Registry) setStatus(id, owner string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	integ, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if integ.OwnerID != owner {
		return ErrNotOwner
	}
	integ.Status = status
	return nil
}

// Delete removes an integration and its key. Historical results are
// not cascaded; the caller tombstones them in the result store.
func (r *Registry) Delete(id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	integ, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if integ.OwnerID != owner {
		return ErrNotOwner
	}
	delete(r.byKeyID, integ.keyID)
	delete(r.byID, id)
	r.logger.Info("integration deleted", zap.String("integration_id", id))
	return nil
}

// Touch records activity on an integration.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if integ, ok := r.byID[id]; ok {
		now := time.Now().UTC()
		integ.LastActivity = &now
	}
}

// Stats returns dashboard aggregates.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.byID)}
	for _, integ := range r.byID {
		if integ.Status == StatusActive {
			s.Active++
		} else {
			s.Suspended++
		}
	}
	return s
}

// ValidatePayload checks a submission payload against the integration's
// configured schema filter, if any.
func (r *Registry) ValidatePayload(integ *Integration, payload json.RawMessage) error {
	if len(integ.Config.PayloadSchema) == 0 {
		return nil
	}
	schema := gojsonschema.NewBytesLoader(integ.Config.PayloadSchema)
	doc := gojsonschema.NewBytesLoader(payload)
	result, err := gojsonschema.Validate(schema, doc)
	if err != nil {
		return fmt.Errorf("registry: schema validation: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("registry: payload rejected by schema: %v", result.Errors())
	}
	return nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrBadWebhook
	}
	return nil
}

func generateWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
