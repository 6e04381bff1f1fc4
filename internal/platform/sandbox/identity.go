package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alanyoungcy/dealbroker/internal/crypto"
	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// Identity is a domain.IdentityProvider whose answers are set by the caller.
type Identity struct {
	mu       sync.Mutex
	statuses map[string]domain.VerificationStatus
	calls    int
}

// NewIdentity creates an Identity that knows no users.
func NewIdentity() *Identity {
	return &Identity{statuses: make(map[string]domain.VerificationStatus)}
}

// SetStatus records the verification state returned for userID.
func (id *Identity) SetStatus(userID string, s domain.VerificationStatus) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.statuses[userID] = s
}

// Calls returns how many lookups were made.
func (id *Identity) Calls() int {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.calls
}

// GetVerificationStatus implements domain.IdentityProvider. Unknown users are
// unverified.
func (id *Identity) GetVerificationStatus(_ context.Context, userID string) (domain.VerificationStatus, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.calls++
	return id.statuses[userID], nil
}

var _ domain.IdentityProvider = (*Identity)(nil)

// SignedEvent builds a provider webhook body and its X-Signature value, the
// way a real provider would deliver it.
func SignedEvent(secret []byte, eventType domain.WebhookEventType, eventID string, data any) (body []byte, signature string, err error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("sandbox: encode %s data: %w", eventType, err)
	}
	body, err = json.Marshal(domain.WebhookEnvelope{
		EventType: eventType,
		EventID:   eventID,
		Data:      raw,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sandbox: encode envelope: %w", err)
	}
	return body, crypto.SignWebhook(secret, body), nil
}
