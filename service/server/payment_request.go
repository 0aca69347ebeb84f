package server

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/kinclient/service/blockchain"
	"github.com/brojonat/kinclient/service/config"
)

// maxTextMemoBytes is the largest text memo a transaction can carry.
const maxTextMemoBytes = 28

// PaymentRequest describes a payment a wallet app can complete by scanning
// its QR code.
type PaymentRequest struct {
	ID                string             `json:"id"`
	Destination       string             `json:"destination"`
	Network           string             `json:"network"`
	NetworkPassphrase string             `json:"network_passphrase"`
	Amount            *blockchain.Amount `json:"amount,omitempty"`
	Memo              string             `json:"memo,omitempty"`
	PaymentURL        string             `json:"payment_url"`
	QRCodeData        string             `json:"qr_code_data"` // base64 encoded PNG
	CreatedAt         time.Time          `json:"created_at"`
}

// handlePaymentRequest returns a handler that builds a payment request for an address.
// GET /api/v1/payment-requests/{address}?amount={kin}&memo={text}
func handlePaymentRequest(env config.Environment, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var amount *blockchain.Amount
		if raw := r.URL.Query().Get("amount"); raw != "" {
			a, err := blockchain.ParseAmount(raw)
			if err != nil || a <= 0 {
				writeError(w, "invalid amount: must be a positive KIN amount with at most 7 decimals", http.StatusBadRequest)
				return
			}
			amount = &a
		}

		memo := r.URL.Query().Get("memo")
		if len(memo) > maxTextMemoBytes {
			writeError(w, fmt.Sprintf("memo too long: maximum is %d bytes", maxTextMemoBytes), http.StatusBadRequest)
			return
		}

		req := newPaymentRequest(env, address, amount, memo)
		qr, err := generateQRCode(req.PaymentURL)
		if err != nil {
			// The request stays usable through its URL.
			logger.WarnContext(r.Context(), "failed to generate QR code", "error", err)
		}
		req.QRCodeData = qr

		writeJSON(w, req, http.StatusOK)
	})
}

func newPaymentRequest(env config.Environment, destination string, amount *blockchain.Amount, memo string) PaymentRequest {
	return PaymentRequest{
		ID:                uuid.New().String(),
		Destination:       destination,
		Network:           env.Name,
		NetworkPassphrase: env.NetworkPassphrase,
		Amount:            amount,
		Memo:              memo,
		PaymentURL:        buildPayURI(env, destination, amount, memo),
		CreatedAt:         time.Now().UTC(),
	}
}

// buildPayURI creates a SEP-0007 pay URI.
// Format: web+stellar:pay?destination={address}&amount={kin}&memo={text}&memo_type=MEMO_TEXT&network_passphrase={passphrase}
func buildPayURI(env config.Environment, destination string, amount *blockchain.Amount, memo string) string {
	params := url.Values{}
	params.Set("destination", destination)
	if amount != nil {
		params.Set("amount", amount.Decimal().String())
	}
	if memo != "" {
		params.Set("memo", memo)
		params.Set("memo_type", "MEMO_TEXT")
	}
	params.Set("network_passphrase", env.NetworkPassphrase)

	return "web+stellar:pay?" + params.Encode()
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}
