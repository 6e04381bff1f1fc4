package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/service"
)

type transactionJSON struct {
	ID               string           `json:"id"`
	BuyerID          string           `json:"buyer_id"`
	SellerID         string           `json:"seller_id"`
	PropertyID       string           `json:"property_id"`
	OfferPrice       decimal.Decimal  `json:"offer_price"`
	AgreedPrice      *decimal.Decimal `json:"agreed_price,omitempty"`
	PaymentMethod    string           `json:"payment_method"`
	CryptoPercentage int              `json:"crypto_percentage"`
	FiatPercentage   int              `json:"fiat_percentage"`
	CryptoCurrency   string           `json:"crypto_currency,omitempty"`
	Status           string           `json:"status"`

	BuyerPromissorySignedAt  *time.Time `json:"buyer_promissory_signed_at,omitempty"`
	SellerPromissorySignedAt *time.Time `json:"seller_promissory_signed_at,omitempty"`
	BuyerMediationSignedAt   *time.Time `json:"buyer_mediation_signed_at,omitempty"`
	SellerMediationSignedAt  *time.Time `json:"seller_mediation_signed_at,omitempty"`
	BuyerKyc2Verified        bool       `json:"buyer_kyc2_verified"`
	SellerKyc2Verified       bool       `json:"seller_kyc2_verified"`
	BuyerConfirmedAt         *time.Time `json:"buyer_confirmed_at,omitempty"`
	BuyerRating              int        `json:"buyer_rating,omitempty"`
	SellerConfirmedAt        *time.Time `json:"seller_confirmed_at,omitempty"`
	SellerRating             int        `json:"seller_rating,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toTransactionJSON(t domain.Transaction) transactionJSON {
	return transactionJSON{
		ID:                       t.ID,
		BuyerID:                  t.BuyerID,
		SellerID:                 t.SellerID,
		PropertyID:               t.PropertyID,
		OfferPrice:               t.OfferPrice,
		AgreedPrice:              t.AgreedPrice,
		PaymentMethod:            string(t.PaymentMethod),
		CryptoPercentage:         t.CryptoPercentage,
		FiatPercentage:           t.FiatPercentage,
		CryptoCurrency:           t.CryptoCurrency,
		Status:                   string(t.Status),
		BuyerPromissorySignedAt:  t.BuyerPromissorySignedAt,
		SellerPromissorySignedAt: t.SellerPromissorySignedAt,
		BuyerMediationSignedAt:   t.BuyerMediationSignedAt,
		SellerMediationSignedAt:  t.SellerMediationSignedAt,
		BuyerKyc2Verified:        t.BuyerKyc2Verified,
		SellerKyc2Verified:       t.SellerKyc2Verified,
		BuyerConfirmedAt:         t.BuyerConfirmedAt,
		BuyerRating:              t.BuyerRating,
		SellerConfirmedAt:        t.SellerConfirmedAt,
		SellerRating:             t.SellerRating,
		CreatedAt:                t.CreatedAt,
		UpdatedAt:                t.UpdatedAt,
	}
}

type counterOfferJSON struct {
	ID         string          `json:"id"`
	Price      decimal.Decimal `json:"price"`
	Message    string          `json:"message,omitempty"`
	Terms      string          `json:"terms,omitempty"`
	ProposedBy string          `json:"proposed_by"`
	Accepted   bool            `json:"accepted"`
	Rejected   bool            `json:"rejected"`
	CreatedAt  time.Time       `json:"created_at"`
}

type stepJSON struct {
	StepNumber  int             `json:"step_number"`
	StepType    string          `json:"step_type"`
	UserType    string          `json:"user_type"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Source      string          `json:"source,omitempty"`
	Destination string          `json:"destination,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	ProofURL    string          `json:"proof_url,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toStepJSON(s domain.FundProtectionStep) stepJSON {
	return stepJSON{
		StepNumber:  s.StepNumber,
		StepType:    string(s.StepType),
		UserType:    string(s.UserType),
		Status:      string(s.Status),
		Amount:      s.Amount,
		Currency:    s.Currency,
		Source:      s.Source,
		Destination: s.Destination,
		TxHash:      s.TxHash,
		ProofURL:    s.ProofURL,
		CompletedAt: s.CompletedAt,
	}
}

type historyJSON struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	ActorID   string    `json:"actor_id"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type escrowJSON struct {
	TotalAmount        decimal.Decimal `json:"total_amount"`
	DepositAmount      decimal.Decimal `json:"deposit_amount"`
	FinalPaymentAmount decimal.Decimal `json:"final_payment_amount"`
	Provider           string          `json:"provider"`
	ReleaseConditions  string          `json:"release_conditions,omitempty"`
	FundsReceived      bool            `json:"funds_received"`
	FundsReleased      bool            `json:"funds_released"`
}

type viewJSON struct {
	Transaction   transactionJSON    `json:"transaction"`
	Role          string             `json:"role"`
	CounterOffers []counterOfferJSON `json:"counter_offers"`
	Steps         []stepJSON         `json:"steps"`
	History       []historyJSON      `json:"history"`
	Escrow        *escrowJSON        `json:"escrow,omitempty"`
	NextAction    string             `json:"next_action,omitempty"`
}

func toViewJSON(v service.TransactionView) viewJSON {
	out := viewJSON{
		Transaction:   toTransactionJSON(v.Transaction),
		Role:          string(v.Role),
		CounterOffers: make([]counterOfferJSON, 0, len(v.CounterOffers)),
		Steps:         make([]stepJSON, 0, len(v.Steps)),
		History:       make([]historyJSON, 0, len(v.History)),
		NextAction:    v.NextAction,
	}
	for _, c := range v.CounterOffers {
		out.CounterOffers = append(out.CounterOffers, counterOfferJSON{
			ID:         c.ID,
			Price:      c.Price,
			Message:    c.Message,
			Terms:      c.Terms,
			ProposedBy: string(c.ProposedBy),
			Accepted:   c.Accepted,
			Rejected:   c.Rejected,
			CreatedAt:  c.CreatedAt,
		})
	}
	for _, s := range v.Steps {
		out.Steps = append(out.Steps, toStepJSON(s))
	}
	for _, h := range v.History {
		out.History = append(out.History, historyJSON{
			From:      string(h.FromStatus),
			To:        string(h.ToStatus),
			ActorID:   h.ActorID,
			Note:      h.Note,
			CreatedAt: h.CreatedAt,
		})
	}
	if e := v.Escrow; e != nil {
		out.Escrow = &escrowJSON{
			TotalAmount:        e.TotalAmount,
			DepositAmount:      e.DepositAmount,
			FinalPaymentAmount: e.FinalPaymentAmount,
			Provider:           e.Provider,
			ReleaseConditions:  e.ReleaseConditions,
			FundsReceived:      e.FundsReceived,
			FundsReleased:      e.FundsReleased,
		}
	}
	return out
}

type webhookEventJSON struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	ProviderEventID string     `json:"provider_event_id"`
	EventType       string     `json:"event_type"`
	Error           string     `json:"error"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}
