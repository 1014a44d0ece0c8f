package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/custody"
	"fulfillment-service/internal/fulfillment"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/tracking"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// QRCode is the supplier-facing view of a verification record
type QRCode struct {
	Record    *models.VerificationRecord `json:"record"`
	Payload   string                     `json:"payload"`
	PNG       []byte                     `json:"-"`
	PNGBase64 string                     `json:"png_base64"`
}

// VerificationResult is the public answer to a QR scan
type VerificationResult struct {
	Valid                  bool                   `json:"valid"`
	HashMatches            bool                   `json:"hash_matches"`
	SupplierSignatureValid bool                   `json:"supplier_signature_valid"`
	ServerSignatureValid   bool                   `json:"server_signature_valid"`
	Reason                 string                 `json:"reason,omitempty"`
	OrderID                int64                  `json:"order_id"`
	ProductID              int64                  `json:"product_id"`
	Quantity               int                    `json:"quantity"`
	SupplierID             int64                  `json:"supplier_id"`
	SignedAt               time.Time              `json:"signed_at"`
	Chain                  []models.OrderLeg      `json:"chain"`
	Timeline               []models.TrackingEvent `json:"timeline"`
}

// Err returns the integrity error behind an invalid result
func (v *VerificationResult) Err() error {
	if v.Valid {
		return nil
	}
	if !v.HashMatches {
		return models.ErrHashMismatch
	}
	return models.ErrSignatureInvalid
}

// issue signs the delivered route and stores the record unless one exists
func (s *OrderService) issue(ctx context.Context, tx store.Tx, r *fulfillment.Route) (*models.VerificationRecord, error) {
	start := time.Now()
	rec, err := s.signer.Sign(r.Order, r.Legs)
	util.SigningLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order %d: %w", r.Order.ID, err)
	}

	stored, err := tx.CreateVerificationIfAbsent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to store verification record: %w", err)
	}
	if stored.QRToken == rec.QRToken {
		util.VerificationsIssuedTotal.Inc()
		s.logger.Info("Verification record issued", zap.Int64("order_id", r.Order.ID))
	}
	return stored, nil
}

// GetOrderQR returns the verification record of a delivered order together
// with its QR payload and PNG rendering. Only the order's supplier may fetch it.
func (s *OrderService) GetOrderQR(ctx context.Context, caller models.Caller, orderID int64) (*QRCode, error) {
	ctx, span := util.StartOrderSpan(ctx, "OrderService.GetOrderQR", orderID)
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if caller.Kind != models.PartyKindSupplier || caller.PartyID != order.SupplierID {
		return nil, fmt.Errorf("QR of order %d is reserved to its supplier: %w", orderID, models.ErrForbidden)
	}

	rec, err := s.store.GetVerificationByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	payload := custody.Payload(s.opts.VerifyBaseURL, rec.QRToken)
	png, err := custody.EncodePNG(payload, s.opts.QRSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}

	return &QRCode{
		Record:    rec,
		Payload:   payload,
		PNG:       png,
		PNGBase64: base64.StdEncoding.EncodeToString(png),
	}, nil
}

// VerifyByToken recomputes the hash of the order behind a QR token from its
// current persisted state and checks both signatures. Integrity failures are
// reported in the result, not as an error.
func (s *OrderService) VerifyByToken(ctx context.Context, token string) (*VerificationResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.VerifyByToken")
	defer span.End()

	if !custody.ValidToken(token) {
		util.VerificationChecksTotal.WithLabelValues("unknown_token").Inc()
		return nil, fmt.Errorf("verification token: %w", models.ErrNotFound)
	}

	rec, err := s.lookupRecord(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			util.VerificationChecksTotal.WithLabelValues("unknown_token").Inc()
		}
		return nil, err
	}

	order, legs, err := s.load(ctx, rec.OrderID)
	if err != nil {
		return nil, err
	}

	res, err := s.signer.Verify(rec, order, legs)
	if err != nil {
		return nil, fmt.Errorf("failed to verify order %d: %w", order.ID, err)
	}

	out := &VerificationResult{
		Valid:                  res.Valid,
		HashMatches:            res.HashMatches,
		SupplierSignatureValid: res.SupplierSignatureValid,
		ServerSignatureValid:   res.ServerSignatureValid,
		Reason:                 res.Reason,
		OrderID:                order.ID,
		ProductID:              order.ProductID,
		Quantity:               order.Quantity,
		SupplierID:             order.SupplierID,
		SignedAt:               rec.SignedAt,
		Chain:                  fulfillment.NewRoute(order, legs).AcceptedPath(),
		Timeline:               tracking.Project(order, legs),
	}

	if out.Valid {
		util.VerificationChecksTotal.WithLabelValues("valid").Inc()
	} else {
		util.VerificationChecksTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("Verification failed",
			zap.Int64("order_id", order.ID),
			zap.String("reason", out.Reason))
	}
	return out, nil
}

// lookupRecord reads the record from the cache first and falls back to the store
func (s *OrderService) lookupRecord(ctx context.Context, token string) (*models.VerificationRecord, error) {
	if s.cache != nil {
		rec, ok, err := s.cache.GetCachedVerification(ctx, token)
		if err != nil {
			s.logger.Warn("Verification cache unavailable", zap.Error(err))
		} else if ok {
			return rec, nil
		}
	}

	rec, err := s.store.GetVerificationByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.CacheVerification(ctx, rec, s.opts.VerificationCacheTTL); err != nil {
			s.logger.Warn("Failed to cache verification record", zap.Error(err))
		}
	}
	return rec, nil
}
