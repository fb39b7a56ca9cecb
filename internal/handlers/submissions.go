package handlers

import (
	"fmt"
	"net/http"

	"github.com/xelth-com/etimsgo/internal/etims/oscu"
	"github.com/xelth-com/etimsgo/internal/services/dispatch"
	"github.com/xelth-com/etimsgo/internal/services/receipt"
)

// SalesInvoiceRequest carries a typed invoice for an OSCU settings record
type SalesInvoiceRequest struct {
	SettingsID uint              `json:"settingsId"`
	Invoice    oscu.SalesInvoice `json:"invoice"`
}

// BulkDispatchRequest lists the submissions to enqueue
type BulkDispatchRequest struct {
	IDs []uint `json:"ids"`
}

func (r *Router) listSubmissions(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	list, err := r.dispatch.List(req.Context(), dispatch.Filter{
		SettingsID: queryUint(req, "settingsId"),
		Status:     q.Get("status"),
		Category:   q.Get("category"),
		Limit:      queryInt(req, "limit"),
		Offset:     queryInt(req, "offset"),
	})
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) getSubmission(w http.ResponseWriter, req *http.Request) {
	sub, err := r.dispatch.Get(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// createSubmission stores a raw payload. Posting the same document and operation again
// returns the stored record with 200.
func (r *Router) createSubmission(w http.ResponseWriter, req *http.Request) {
	var in dispatch.CreateInput
	if !decodeJSON(w, req, &in) {
		return
	}
	sub, created, err := r.dispatch.Create(req.Context(), in)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, sub)
}

func (r *Router) createSalesInvoice(w http.ResponseWriter, req *http.Request) {
	var body SalesInvoiceRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	sub, created, err := r.dispatch.CreateSalesInvoice(req.Context(), body.SettingsID, &body.Invoice)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, sub)
}

// dispatchSubmission queues one submission and returns without waiting for the remote side
func (r *Router) dispatchSubmission(w http.ResponseWriter, req *http.Request) {
	id := pathID(req)
	if err := r.dispatch.Enqueue(req.Context(), id); err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"enqueued": 1, "id": id})
}

func (r *Router) bulkDispatch(w http.ResponseWriter, req *http.Request) {
	var body BulkDispatchRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	n, err := r.dispatch.BulkDispatch(req.Context(), body.IDs)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"enqueued": n})
}

func (r *Router) retrySubmission(w http.ResponseWriter, req *http.Request) {
	sub, err := r.dispatch.Retry(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// submissionReceipt renders the PDF receipt of a submitted sale
func (r *Router) submissionReceipt(w http.ResponseWriter, req *http.Request) {
	sub, err := r.dispatch.Get(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	rec, err := r.settings.Get(req.Context(), sub.SettingsID)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	data, err := receipt.FromSubmission(sub, rec)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	pdf, err := receipt.GeneratePDF(data)
	if err != nil {
		r.respondServiceError(w, fmt.Errorf("failed to render receipt: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="receipt-%d.pdf"`, sub.ID))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

// submissionQR returns the verification link and its QR image as a data URI
func (r *Router) submissionQR(w http.ResponseWriter, req *http.Request) {
	sub, err := r.dispatch.Get(req.Context(), pathID(req))
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	if sub.QRCode == "" {
		r.respondServiceError(w, receipt.ErrNotPrintable)
		return
	}
	uri, err := receipt.QRDataURI(sub.QRCode)
	if err != nil {
		r.respondServiceError(w, fmt.Errorf("failed to encode QR: %w", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": sub.QRCode, "dataUri": uri})
}
