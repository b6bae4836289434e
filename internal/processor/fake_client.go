package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// FakeClient hashes the payload to deterministically emulate the processor
// in tests and local dev.
type FakeClient struct{}

func (FakeClient) InitializeCharge(_ context.Context, req InitializeChargeRequest) (InitializeChargeResponse, error) {
	if req.Email == "" {
		return InitializeChargeResponse{}, fmt.Errorf("missing email")
	}
	if req.Reference == "" {
		return InitializeChargeResponse{}, fmt.Errorf("missing reference")
	}
	sum := sha256.Sum256([]byte(req.Email + fmt.Sprint(req.AmountMinor) + req.Reference))
	code := hex.EncodeToString(sum[:8])
	return InitializeChargeResponse{
		Reference:   req.Reference,
		CheckoutURL: "https://checkout.invalid/" + code,
		AccessCode:  code,
	}, nil
}
