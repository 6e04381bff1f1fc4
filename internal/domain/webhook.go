package domain

import (
	"encoding/json"
	"time"
)

// WebhookEventType is the kind of asynchronous provider callback.
type WebhookEventType string

const (
	EventKycStatusChanged     WebhookEventType = "KYC_STATUS_CHANGED"
	EventWalletCreated        WebhookEventType = "WALLET_CREATED"
	EventTransactionCompleted WebhookEventType = "TRANSACTION_COMPLETED"
	EventIBANCreated          WebhookEventType = "IBAN_CREATED"
)

// WebhookEnvelope is the signed JSON body every provider posts.
type WebhookEnvelope struct {
	EventType WebhookEventType `json:"eventType"`
	EventID   string           `json:"eventId"`
	Data      json.RawMessage  `json:"data"`
}

// WebhookEvent records one received provider event. (Source, ProviderEventID)
// is unique.
type WebhookEvent struct {
	ID              string
	Source          string
	ProviderEventID string
	EventType       WebhookEventType
	Payload         []byte
	Processed       bool
	Error           string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// KycStatusChangedData is the data of a KYC_STATUS_CHANGED event.
type KycStatusChangedData struct {
	UserID string    `json:"userId"`
	Tier   int       `json:"tier"`
	Status KycStatus `json:"status"`
}

// WalletCreatedData is the data of a WALLET_CREATED event.
type WalletCreatedData struct {
	UserID   string `json:"userId"`
	Currency string `json:"currency"`
	WalletID string `json:"walletId"`
}

// IBANCreatedData is the data of an IBAN_CREATED event.
type IBANCreatedData struct {
	UserID    string `json:"userId"`
	IBAN      string `json:"iban"`
	BIC       string `json:"bic,omitempty"`
	AccountID string `json:"accountId"`
}

// TransactionCompletedData is the data of a TRANSACTION_COMPLETED event.
type TransactionCompletedData struct {
	SettlementID string `json:"settlementId"`
	Status       string `json:"status"`
}
