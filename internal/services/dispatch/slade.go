package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

// Slade sales operations, in the order a sale goes through them
const (
	opSalesSave       = "TrnsSalesSaveWrReq"
	opSalesLine       = "SalesLineSaveReq"
	opSalesTransition = "SalesTransitionReq"
	opSalesSign       = "SalesSignInvReq"
	opSalesDetails    = "TrnsSalesSearchReq"
)

// salesLinesKey holds the invoice lines in a Slade sales payload
const salesLinesKey = "items"

// runsSladeSale reports whether sub is a Slade sale that needs the signing chain
func runsSladeSale(rec *models.Settings, sub *models.Submission) bool {
	return rec != nil && rec.Vendor == models.VendorSlade &&
		sub.Category == models.CategorySales && sub.Operation == opSalesSave
}

// completeSladeSale creates the draft invoice, saves its lines, transitions and signs it,
// then fetches the signed details that carry the receipt data. Progress is stored after
// every step, so a later attempt resumes instead of creating a second invoice.
func (s *Service) completeSladeSale(ctx context.Context, sub *models.Submission, payload map[string]interface{}) (*etims.Response, error) {
	lines, err := salesLines(payload)
	if err != nil {
		return nil, etims.NewValidationError(sub.Operation, err.Error())
	}
	logger := s.log.With(zap.Uint("submission_id", sub.ID), zap.String("document", sub.DocumentName))

	if sub.Stage == "" || sub.RemoteID == "" {
		header := make(map[string]interface{}, len(payload))
		for k, v := range payload {
			if k != salesLinesKey {
				header[k] = v
			}
		}
		resp, err := s.call(ctx, sub, opSalesSave, header)
		if err != nil {
			return nil, err
		}
		if resp.RemoteID == "" {
			return nil, etims.NewValidationError(opSalesSave, "invoice created without an id")
		}
		sub.RemoteID = resp.RemoteID
		if err := s.advance(ctx, sub, models.StageInvoiceCreated, 0); err != nil {
			return nil, err
		}
		logger.Info("draft invoice created", zap.String("remote_id", sub.RemoteID))
	}
	invoiceID := sub.RemoteID

	if sub.Stage == models.StageInvoiceCreated {
		for i := sub.LinesSent; i < len(lines); i++ {
			line := make(map[string]interface{}, len(lines[i])+1)
			for k, v := range lines[i] {
				line[k] = v
			}
			line["sales_invoice"] = invoiceID
			if _, err := s.call(ctx, sub, opSalesLine, line); err != nil {
				return nil, err
			}
			if err := s.advance(ctx, sub, models.StageInvoiceCreated, i+1); err != nil {
				return nil, err
			}
		}
		if err := s.advance(ctx, sub, models.StageLinesSaved, len(lines)); err != nil {
			return nil, err
		}
	}

	ref := func() map[string]interface{} {
		return map[string]interface{}{"invoice_id": invoiceID, "document_name": sub.DocumentName}
	}
	if sub.Stage == models.StageLinesSaved {
		if _, err := s.call(ctx, sub, opSalesTransition, ref()); err != nil {
			return nil, err
		}
		if err := s.advance(ctx, sub, models.StageTransitioned, sub.LinesSent); err != nil {
			return nil, err
		}
	}
	if sub.Stage == models.StageTransitioned {
		if _, err := s.call(ctx, sub, opSalesSign, ref()); err != nil {
			return nil, err
		}
		if err := s.advance(ctx, sub, models.StageSigned, sub.LinesSent); err != nil {
			return nil, err
		}
		logger.Info("invoice signed", zap.String("remote_id", invoiceID))
	}

	resp, err := s.call(ctx, sub, opSalesDetails, map[string]interface{}{"id": invoiceID, "document_name": sub.DocumentName})
	if err != nil {
		return nil, err
	}
	if resp.RemoteID == "" {
		resp.RemoteID = invoiceID
	}
	return resp, nil
}

// advance stores how far the sale got and renews the claim. Written even if the
// caller gave up waiting.
func (s *Service) advance(ctx context.Context, sub *models.Submission, stage string, linesSent int) error {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionStatusPending).
		Updates(map[string]interface{}{
			"stage":         stage,
			"lines_sent":    linesSent,
			"remote_id":     sub.RemoteID,
			"claimed_until": s.now().Add(s.lease),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record progress of submission %d: %w", sub.ID, err)
	}
	sub.Stage, sub.LinesSent = stage, linesSent
	return nil
}

func salesLines(payload map[string]interface{}) ([]map[string]interface{}, error) {
	raw, ok := payload[salesLinesKey].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("sales invoice has no %s", salesLinesKey)
	}
	lines := make([]map[string]interface{}, 0, len(raw))
	for i, item := range raw {
		line, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not an object", salesLinesKey, i)
		}
		lines = append(lines, line)
	}
	return lines, nil
}
