// Package rail is the HTTP client for the payment-rail provider: custody
// balances, crypto transfers, conversions and SEPA payouts.
package rail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/platform/apiclient"
)

// Client implements domain.PaymentRail over the provider's REST API.
type Client struct {
	api *apiclient.Client
}

// NewClient creates a Client.
func NewClient(cfg apiclient.Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "rail"
	}
	return &Client{api: apiclient.New(cfg)}
}

// Name implements domain.PaymentRail.
func (c *Client) Name() string { return "rail" }

type balanceResponse struct {
	Available decimal.Decimal `json:"available"`
}

// CheckBalance returns the available balance of a custody account.
func (c *Client) CheckBalance(ctx context.Context, account, currency string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/v1/accounts/%s/balances/%s", url.PathEscape(account), url.PathEscape(currency))
	var resp balanceResponse
	if err := c.api.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		if apiclient.IsStatus(err, http.StatusNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return resp.Available, nil
}

type transferRequest struct {
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference"`
}

type settlementResponse struct {
	SettlementID string `json:"settlementId"`
}

// Transfer moves funds between custody accounts or pays out to an IBAN. The
// reference doubles as the idempotency key.
func (c *Client) Transfer(ctx context.Context, req domain.TransferRequest) (string, error) {
	body := transferRequest{
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Reference:   req.Reference,
	}
	var resp settlementResponse
	if err := c.api.Do(ctx, http.MethodPost, "/v1/transfers", body, &resp, apiclient.IdempotencyKey(req.Reference)); err != nil {
		return "", err
	}
	if resp.SettlementID == "" {
		return "", fmt.Errorf("rail: transfer response has no settlement id")
	}
	return resp.SettlementID, nil
}

type convertRequest struct {
	Source         string          `json:"source"`
	Destination    string          `json:"destination"`
	Amount         decimal.Decimal `json:"amount"`
	SourceCurrency string          `json:"sourceCurrency"`
	TargetCurrency string          `json:"targetCurrency"`
	Reference      string          `json:"reference"`
}

type convertResponse struct {
	SettlementID      string          `json:"settlementId"`
	DestinationAmount decimal.Decimal `json:"destinationAmount"`
	Rate              decimal.Decimal `json:"rate"`
}

// Convert exchanges a custody balance into another currency.
func (c *Client) Convert(ctx context.Context, req domain.ConvertRequest) (domain.ConversionResult, error) {
	body := convertRequest{
		Source:         req.Source,
		Destination:    req.Destination,
		Amount:         req.Amount,
		SourceCurrency: req.SourceCurrency,
		TargetCurrency: req.TargetCurrency,
		Reference:      req.Reference,
	}
	var resp convertResponse
	if err := c.api.Do(ctx, http.MethodPost, "/v1/conversions", body, &resp, apiclient.IdempotencyKey(req.Reference)); err != nil {
		return domain.ConversionResult{}, err
	}
	if !resp.DestinationAmount.IsPositive() {
		return domain.ConversionResult{}, fmt.Errorf("rail: conversion returned amount %s", resp.DestinationAmount)
	}
	return domain.ConversionResult{
		SettlementID:      resp.SettlementID,
		DestinationAmount: resp.DestinationAmount,
		Rate:              resp.Rate,
	}, nil
}

// CreateCustodyAccount opens a custody wallet for userID in currency.
func (c *Client) CreateCustodyAccount(ctx context.Context, userID, currency string) (string, error) {
	body := map[string]string{"userId": userID, "currency": currency}
	var resp struct {
		AccountID string `json:"accountId"`
	}
	if err := c.api.Do(ctx, http.MethodPost, "/v1/custody-accounts", body, &resp,
		apiclient.IdempotencyKey("custody:"+userID+":"+currency)); err != nil {
		return "", err
	}
	return resp.AccountID, nil
}

// CreatePayoutAccount provisions a virtual IBAN for userID.
func (c *Client) CreatePayoutAccount(ctx context.Context, userID string) (domain.PayoutAccount, error) {
	var resp struct {
		AccountID string `json:"accountId"`
		IBAN      string `json:"iban"`
		BIC       string `json:"bic"`
	}
	if err := c.api.Do(ctx, http.MethodPost, "/v1/payout-accounts", map[string]string{"userId": userID}, &resp,
		apiclient.IdempotencyKey("payout:"+userID)); err != nil {
		return domain.PayoutAccount{}, err
	}
	return domain.PayoutAccount{AccountID: resp.AccountID, IBAN: resp.IBAN, BIC: resp.BIC}, nil
}

var _ domain.PaymentRail = (*Client)(nil)
