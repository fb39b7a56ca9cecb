package routes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
)

// ErrRouteNotFound is returned when no route exists for an operation and vendor
var ErrRouteNotFound = errors.New("route not found")

// Service manages the operation -> endpoint table
type Service struct {
	db *gorm.DB
}

// NewService creates a new route service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Resolve finds the route for an operation. A missing route is a validation error
// on the submission since no retry will make it appear.
func (s *Service) Resolve(ctx context.Context, operation, vendor string) (*models.Route, error) {
	var route models.Route
	err := s.db.WithContext(ctx).
		Where("operation = ? AND vendor = ?", operation, vendor).
		First(&route).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &etims.ValidationError{RemoteError: etims.RemoteError{
				Operation: operation,
				Message:   fmt.Sprintf("no route for %s on %s", operation, vendor),
				Err:       ErrRouteNotFound,
			}}
		}
		return nil, fmt.Errorf("failed to resolve route %s: %w", operation, err)
	}
	return &route, nil
}

// Touch stamps a route's last request time
func (s *Service) Touch(ctx context.Context, routeID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Route{}).
		Where("id = ?", routeID).
		Update("last_request_at", at).Error
}

// List returns all routes, optionally filtered by vendor
func (s *Service) List(ctx context.Context, vendor string) ([]models.Route, error) {
	var out []models.Route
	q := s.db.WithContext(ctx).Order("vendor, operation")
	if vendor != "" {
		q = q.Where("vendor = ?", vendor)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return out, nil
}

// Get returns the route stored for an operation and vendor
func (s *Service) Get(ctx context.Context, operation, vendor string) (*models.Route, error) {
	var route models.Route
	err := s.db.WithContext(ctx).Where("operation = ? AND vendor = ?", operation, vendor).First(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouteNotFound
	}
	return &route, err
}

// Upsert creates or replaces the route for (operation, vendor)
func (s *Service) Upsert(ctx context.Context, route *models.Route) error {
	if err := validate(route); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operation"}, {Name: "vendor"}},
		DoUpdates: clause.AssignmentColumns([]string{"method", "url_path", "description", "updated_at"}),
	}).Create(route).Error
}

// SeedDefaults inserts the default table, leaving routes an operator changed alone
func (s *Service) SeedDefaults(ctx context.Context) (int, error) {
	created := 0
	for _, r := range Defaults() {
		route := r
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&route)
		if res.Error != nil {
			return created, fmt.Errorf("failed to seed route %s: %w", r.Operation, res.Error)
		}
		created += int(res.RowsAffected)
	}
	return created, nil
}

// routeFile is the YAML layout accepted by ImportYAML
type routeFile struct {
	Routes []struct {
		Operation   string `yaml:"operation"`
		Vendor      string `yaml:"vendor"`
		Method      string `yaml:"method"`
		Path        string `yaml:"path"`
		Description string `yaml:"description"`
	} `yaml:"routes"`
}

// ImportYAML upserts every route listed in r
func (s *Service) ImportYAML(ctx context.Context, r io.Reader) (int, error) {
	var file routeFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return 0, fmt.Errorf("failed to parse routes file: %w", err)
	}
	for i, entry := range file.Routes {
		route := &models.Route{
			Operation:   entry.Operation,
			Vendor:      entry.Vendor,
			Method:      strings.ToUpper(entry.Method),
			URLPath:     entry.Path,
			Description: entry.Description,
		}
		if err := s.Upsert(ctx, route); err != nil {
			return i, fmt.Errorf("route %d (%s): %w", i+1, entry.Operation, err)
		}
	}
	return len(file.Routes), nil
}

func validate(r *models.Route) error {
	if r.Operation == "" || r.Vendor == "" {
		return etims.NewValidationError("RouteSave", "operation and vendor are required")
	}
	if r.URLPath == "" || !strings.HasPrefix(r.URLPath, "/") {
		return etims.NewValidationError("RouteSave", "path must start with /")
	}
	if r.Method == "" {
		r.Method = http.MethodPost
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return etims.NewValidationError("RouteSave", "unsupported method "+r.Method)
	}
	return nil
}
