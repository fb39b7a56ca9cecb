package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/etims/oscu"
	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/queue"
)

// ErrNotFound is returned for unknown submission ids
var ErrNotFound = errors.New("submission not found")

// EventSubmissionStatus is the websocket event type for status changes
const EventSubmissionStatus = "submission.status"

// Caller performs remote operations
type Caller interface {
	Call(ctx context.Context, req etims.CallRequest) (*etims.Response, error)
	LoadSettings(ctx context.Context, settingsID uint) (*models.Settings, error)
	ReceiptURL(s *models.Settings, resp *etims.Response) string
}

// Notifier receives status events, usually the websocket hub
type Notifier interface {
	Broadcast(v interface{})
}

// Event is broadcast whenever a submission changes state
type Event struct {
	Type       string             `json:"type"`
	Submission *models.Submission `json:"submission"`
}

// Scope lets the websocket hub deliver the event to clients watching its settings record
func (e Event) Scope() uint {
	if e.Submission == nil {
		return 0
	}
	return e.Submission.SettingsID
}

// Options tunes a Service
type Options struct {
	Lease          time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	Notifier       Notifier
	Logger         *zap.Logger
	Now            func() time.Time
}

// Service owns the submission lifecycle: pending -> submitted | failed
type Service struct {
	db       *gorm.DB
	caller   Caller
	queue    queue.Queue
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time

	lease          time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
	requestTimeout time.Duration
}

// NewService creates a dispatch service
func NewService(db *gorm.DB, caller Caller, q queue.Queue, opts Options) *Service {
	s := &Service{
		db:             db,
		caller:         caller,
		queue:          q,
		notifier:       opts.Notifier,
		log:            opts.Logger,
		now:            opts.Now,
		lease:          opts.Lease,
		backoffBase:    opts.BackoffBase,
		backoffMax:     opts.BackoffMax,
		requestTimeout: opts.RequestTimeout,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.lease <= 0 {
		s.lease = 2 * time.Minute
	}
	if s.backoffBase <= 0 {
		s.backoffBase = time.Minute
	}
	if s.backoffMax <= 0 {
		s.backoffMax = time.Hour
	}
	return s
}

// Backoff returns the delay before attempt n+1 after n failed attempts
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// CreateInput describes a new outbound payload
type CreateInput struct {
	SettingsID   uint                   `json:"settingsId"`
	DocumentType string                 `json:"documentType"`
	DocumentName string                 `json:"documentName"`
	Operation    string                 `json:"operation"`
	Category     string                 `json:"category"`
	Payload      map[string]interface{} `json:"payload"`
}

// Create stores a pending submission. Re-creating the same document and operation
// returns the existing record and created=false.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Submission, bool, error) {
	if in.DocumentType == "" || in.DocumentName == "" || in.Operation == "" {
		return nil, false, etims.NewValidationError(in.Operation, "documentType, documentName and operation are required")
	}
	switch in.Category {
	case models.CategorySales, models.CategoryPurchase, models.CategoryStock, models.CategoryItems:
	default:
		return nil, false, etims.NewValidationError(in.Operation, fmt.Sprintf("unknown category %q", in.Category))
	}
	if _, err := s.caller.LoadSettings(ctx, in.SettingsID); err != nil {
		return nil, false, err
	}

	var existing models.Submission
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND document_name = ? AND operation = ?", in.DocumentType, in.DocumentName, in.Operation).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("failed to look up submission: %w", err)
	}

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, false, etims.NewValidationError(in.Operation, "payload is not JSON encodable")
	}
	sub := &models.Submission{
		SettingsID:   in.SettingsID,
		DocumentType: in.DocumentType,
		DocumentName: in.DocumentName,
		Operation:    in.Operation,
		Category:     in.Category,
		Status:       models.SubmissionStatusPending,
		Payload:      datatypes.JSON(payload),
	}
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		// lost a race with an identical create
		if lookupErr := s.db.WithContext(ctx).
			Where("document_type = ? AND document_name = ? AND operation = ?", in.DocumentType, in.DocumentName, in.Operation).
			First(&existing).Error; lookupErr == nil {
			return &existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create submission: %w", err)
	}

	s.log.Info("submission created",
		zap.Uint("submission_id", sub.ID),
		zap.String("document", sub.DocumentType+" "+sub.DocumentName),
		zap.String("operation", sub.Operation))
	s.notify(sub)
	return sub, true, nil
}

// CreateSalesInvoice builds the OSCU sales payload and stores it as a sales submission
func (s *Service) CreateSalesInvoice(ctx context.Context, settingsID uint, inv *oscu.SalesInvoice) (*models.Submission, bool, error) {
	const op = "TrnsSalesSaveWrReq"
	rec, err := s.caller.LoadSettings(ctx, settingsID)
	if err != nil {
		return nil, false, err
	}
	if rec.Vendor != models.VendorOSCU {
		return nil, false, etims.NewValidationError(op, "typed sales invoices are built for OSCU records, post the raw payload instead")
	}
	payload, err := oscu.BuildSalesPayload(inv)
	if err != nil {
		return nil, false, etims.NewValidationError(op, err.Error())
	}
	name := inv.DocumentName
	if name == "" {
		name = fmt.Sprintf("%d", inv.InvoiceNo)
	}
	docType := "Sales Invoice"
	if inv.ReceiptType == oscu.ReceiptCreditNote {
		docType = "Credit Note"
	}
	return s.Create(ctx, CreateInput{
		SettingsID:   settingsID,
		DocumentType: docType,
		DocumentName: name,
		Operation:    op,
		Category:     models.CategorySales,
		Payload:      payload,
	})
}

// Get returns one submission
func (s *Service) Get(ctx context.Context, id uint) (*models.Submission, error) {
	var sub models.Submission
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load submission %d: %w", id, err)
	}
	return &sub, nil
}

// Filter narrows List
type Filter struct {
	SettingsID uint
	Status     string
	Category   string
	Limit      int
	Offset     int
}

// List returns submissions, newest first
func (s *Service) List(ctx context.Context, f Filter) ([]models.Submission, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if f.SettingsID != 0 {
		q = q.Where("settings_id = ?", f.SettingsID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Submission
	if err := q.Limit(limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return out, nil
}

// Enqueue schedules a dispatch off the request path
func (s *Service) Enqueue(ctx context.Context, id uint) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, queue.DispatchJob(id))
}

// BulkDispatch enqueues every pending id and reports how many were accepted
func (s *Service) BulkDispatch(ctx context.Context, ids []uint) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var pending []uint
	err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id IN ? AND status = ?", ids, models.SubmissionStatusPending).
		Order("id").
		Pluck("id", &pending).Error
	if err != nil {
		return 0, fmt.Errorf("failed to select submissions: %w", err)
	}
	for i, id := range pending {
		if err := s.queue.Enqueue(ctx, queue.DispatchJob(id)); err != nil {
			return i, fmt.Errorf("failed to enqueue submission %d: %w", id, err)
		}
	}
	return len(pending), nil
}

// Retry moves a failed submission back to pending for another attempt
func (s *Service) Retry(ctx context.Context, id uint) (*models.Submission, error) {
	res := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", id, models.SubmissionStatusFailed).
		Updates(map[string]interface{}{
			"status":          models.SubmissionStatusPending,
			"error_kind":      "",
			"error_message":   "",
			"error_payload":   nil,
			"attempts":        0,
			"next_attempt_at": nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reset submission %d: %w", id, res.Error)
	}
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, etims.NewValidationError(sub.Operation, "only failed submissions can be retried, this one is "+sub.Status)
	}
	s.log.Info("submission reset for retry", zap.Uint("submission_id", id))
	s.notify(sub)
	return sub, nil
}

// Dispatch sends one pending submission and records the outcome. Submitted and failed
// records, and records another worker holds, are left untouched.
func (s *Service) Dispatch(ctx context.Context, id uint) (*models.Submission, error) {
	// 1. Load and short-circuit terminal records
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsTerminal() {
		return sub, nil
	}

	// 2. Claim with a lease
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status = ? AND (claimed_until IS NULL OR claimed_until < ?)", id, models.SubmissionStatusPending, now).
		Update("claimed_until", now.Add(s.lease))
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim submission %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Debug("submission already claimed or no longer pending", zap.Uint("submission_id", id))
		return s.Get(ctx, id)
	}

	// 3. Call the remote side
	payload, err := etims.DecodePayload(sub.Payload)
	if err != nil {
		return s.record(ctx, sub, nil, nil, etims.NewValidationError(sub.Operation, err.Error()))
	}
	rec, err := s.caller.LoadSettings(ctx, sub.SettingsID)
	if err != nil {
		return s.record(ctx, sub, nil, nil, err)
	}

	var resp *etims.Response
	var callErr error
	if runsSladeSale(rec, sub) {
		resp, callErr = s.completeSladeSale(ctx, sub, payload)
	} else {
		resp, callErr = s.call(ctx, sub, sub.Operation, payload)
	}
	if sub.Category != models.CategorySales {
		rec = nil
	}

	// 4. Record the outcome
	return s.record(ctx, sub, rec, resp, callErr)
}

// call runs one remote operation on behalf of sub, bounded by the request timeout
func (s *Service) call(ctx context.Context, sub *models.Submission, operation string, payload map[string]interface{}) (*etims.Response, error) {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	subID := sub.ID
	return s.caller.Call(ctx, etims.CallRequest{
		SettingsID:   sub.SettingsID,
		SubmissionID: &subID,
		Operation:    operation,
		Payload:      payload,
	})
}

func (s *Service) record(ctx context.Context, sub *models.Submission, rec *models.Settings, resp *etims.Response, callErr error) (*models.Submission, error) {
	// the outcome is written even if the caller gave up waiting
	wctx := context.WithoutCancel(ctx)
	now := s.now()
	updates := map[string]interface{}{"claimed_until": nil}
	logger := s.log.With(zap.Uint("submission_id", sub.ID), zap.String("operation", sub.Operation))

	switch {
	case callErr == nil:
		updates["status"] = models.SubmissionStatusSubmitted
		updates["remote_id"] = resp.RemoteID
		updates["response"] = datatypes.JSON(rawOrNil(resp.Raw))
		updates["submitted_at"] = now
		updates["error_kind"] = ""
		updates["error_message"] = ""
		updates["attempts"] = gorm.Expr("attempts + 1")
		if rec != nil {
			updates["qr_code"] = s.caller.ReceiptURL(rec, resp)
		}
		logger.Info("✅ submission accepted", zap.String("remote_id", resp.RemoteID))

	case errors.Is(callErr, context.Canceled):
		logger.Info("dispatch cancelled, releasing claim")

	case etims.IsValidation(callErr):
		updates["status"] = models.SubmissionStatusFailed
		updates["error_kind"] = models.ErrorKindValidation
		updates["error_message"] = callErr.Error()
		updates["error_payload"] = errorPayload(callErr)
		updates["attempts"] = gorm.Expr("attempts + 1")
		logger.Warn("❌ submission rejected", zap.Error(callErr))

	case etims.IsAuth(callErr):
		updates["error_kind"] = models.ErrorKindAuth
		updates["error_message"] = callErr.Error()
		updates["error_payload"] = errorPayload(callErr)
		logger.Warn("🔒 submission held on auth failure", zap.Error(callErr))

	default:
		attempts := sub.Attempts + 1
		next := now.Add(Backoff(attempts, s.backoffBase, s.backoffMax))
		updates["error_kind"] = models.ErrorKindTransient
		updates["error_message"] = callErr.Error()
		updates["error_payload"] = errorPayload(callErr)
		updates["attempts"] = attempts
		updates["next_attempt_at"] = next
		logger.Warn("⚠️ submission will be retried", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(callErr))
	}

	err := s.db.WithContext(wctx).Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionStatusPending).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome of submission %d: %w", sub.ID, err)
	}

	updated, err := s.Get(wctx, sub.ID)
	if err != nil {
		return nil, err
	}
	s.notify(updated)
	return updated, nil
}

func (s *Service) notify(sub *models.Submission) {
	if s.notifier == nil {
		return
	}
	s.notifier.Broadcast(Event{Type: EventSubmissionStatus, Submission: sub})
}

// errorPayload keeps what the remote side said in a JSON document
func errorPayload(err error) datatypes.JSON {
	doc := map[string]interface{}{
		"kind":    etims.Kind(err),
		"message": err.Error(),
	}
	if re := etims.Remote(err); re != nil {
		doc["operation"] = re.Operation
		if re.HTTPStatus != 0 {
			doc["httpStatus"] = re.HTTPStatus
		}
		if re.ResultCode != "" {
			doc["resultCode"] = re.ResultCode
		}
		if len(re.Body) > 0 {
			if json.Valid(re.Body) {
				doc["response"] = json.RawMessage(re.Body)
			} else {
				doc["response"] = string(re.Body)
			}
		}
	}
	b, mErr := json.Marshal(doc)
	if mErr != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
