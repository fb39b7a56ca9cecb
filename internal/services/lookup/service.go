package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/etims/oscu"
	"github.com/xelth-com/etimsgo/internal/models"
)

// NoticeOperation is the operation that lists authority notices
const NoticeOperation = "NoticeSearchReq"

// initialRequestDate is sent as lastReqDt before the first notice search
const initialRequestDate = "20180101000000"

// Operations callable synchronously through Run
var Operations = map[string]bool{
	"CodeSearchReq":        true,
	"ItemClsSearchReq":     true,
	"CustSearchReq":        true,
	NoticeOperation:        true,
	"BhfSearchReq":         true,
	"ItemSearchReq":        true,
	"ImportItemSearchReq":  true,
	"TrnsPurchaseSalesReq": true,
	"SelectStockMoveReq":   true,
	"BhfCustSaveReq":       true,
	"BhfUserSaveReq":       true,
	"BhfInsuranceSaveReq":  true,
	"ImportItemUpdateReq":  true,
	"ItemSaveComposition":  true,
}

// Fetcher runs listing calls against the remote side
type Fetcher interface {
	Fetch(ctx context.Context, req etims.CallRequest) (*etims.Response, error)
	LoadSettings(ctx context.Context, settingsID uint) (*models.Settings, error)
}

// RouteFinder resolves the route used to remember the last notice search
type RouteFinder interface {
	Resolve(ctx context.Context, operation, vendor string) (*models.Route, error)
}

// Service runs synchronous lookups and keeps the notice table current
type Service struct {
	db      *gorm.DB
	fetcher Fetcher
	routes  RouteFinder
	log     *zap.Logger
}

// NewService creates a lookup service
func NewService(db *gorm.DB, fetcher Fetcher, routes RouteFinder, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, fetcher: fetcher, routes: routes, log: log}
}

// Run performs one lookup and returns every page of results
func (s *Service) Run(ctx context.Context, settingsID uint, operation string, payload map[string]interface{}) (*etims.Response, error) {
	if !Operations[operation] {
		return nil, etims.NewValidationError(operation, "not a lookup operation")
	}
	resp, err := s.fetcher.Fetch(ctx, etims.CallRequest{
		SettingsID: settingsID,
		Operation:  operation,
		Payload:    payload,
	})
	if err != nil {
		s.log.Warn("lookup failed", zap.Uint("settings_id", settingsID), zap.String("operation", operation), zap.Error(err))
		return nil, err
	}
	s.log.Info("lookup completed",
		zap.Uint("settings_id", settingsID),
		zap.String("operation", operation),
		zap.Int("results", len(resp.Results)))
	return resp, nil
}

// RefreshNotices searches for notices published since the last search and stores new ones.
// It returns how many were added.
func (s *Service) RefreshNotices(ctx context.Context, settingsID uint) (int, error) {
	rec, err := s.fetcher.LoadSettings(ctx, settingsID)
	if err != nil {
		return 0, err
	}

	lastReq := initialRequestDate
	if route, err := s.routes.Resolve(ctx, NoticeOperation, rec.Vendor); err == nil && route.LastRequestAt != nil {
		lastReq = route.LastRequestAt.UTC().Format(oscu.ResultDateLayout)
	}

	resp, err := s.fetcher.Fetch(ctx, etims.CallRequest{
		SettingsID: settingsID,
		Operation:  NoticeOperation,
		Payload:    map[string]interface{}{"lastReqDt": lastReq},
	})
	if err != nil {
		return 0, err
	}

	notices := ParseNotices(settingsID, resp)
	if len(notices) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "settings_id"}, {Name: "notice_no"}}, DoNothing: true}).
		Create(&notices)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to store notices: %w", res.Error)
	}
	added := int(res.RowsAffected)
	if added > 0 {
		s.log.Info("📢 new notices stored", zap.Uint("settings_id", settingsID), zap.Int("notices", added))
	}
	return added, nil
}

// ListNotices returns stored notices, newest first
func (s *Service) ListNotices(ctx context.Context, settingsID uint, limit int) ([]models.Notice, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("registered_at DESC, id DESC").Limit(limit)
	if settingsID != 0 {
		q = q.Where("settings_id = ?", settingsID)
	}
	var out []models.Notice
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list notices: %w", err)
	}
	return out, nil
}

// ParseNotices reads notices from an OSCU data.noticeList or a paginated results list
func ParseNotices(settingsID uint, resp *etims.Response) []models.Notice {
	var raw []interface{}
	if list, ok := resp.Data["noticeList"].([]interface{}); ok {
		raw = list
	} else {
		raw = resp.Results
	}

	seen := map[string]bool{}
	out := make([]models.Notice, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		no := text(m["noticeNo"])
		if no == "" || seen[no] {
			continue
		}
		seen[no] = true
		n := models.Notice{
			SettingsID:   settingsID,
			NoticeNo:     no,
			Title:        text(m["title"]),
			Content:      text(m["cont"]),
			DetailURL:    text(m["dtlUrl"]),
			RegisteredBy: text(m["regrNm"]),
		}
		if at, err := parseDate(text(m["regDt"])); err == nil {
			n.RegisteredAt = &at
		}
		out = append(out, n)
	}
	return out
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.ParseInLocation(oscu.ResultDateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func text(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return fmt.Sprint(t)
	}
}
