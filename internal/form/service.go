package form

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/db"
)

type Repository interface {
	Create(ctx context.Context, entity *db.FormEntity) (*db.FormEntity, error)
	Update(ctx context.Context, entity *db.FormEntity) (*db.FormEntity, error)
	GetByID(ctx context.Context, id int64) (*db.FormEntity, error)
	List(ctx context.Context) ([]*db.FormEntity, error)
	Delete(ctx context.Context, id int64) error
}

// Service is the form definition store.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Create(ctx context.Context, def *Definition) (*Definition, error) {
	def.ID = 0
	return s.save(ctx, def, s.repo.Create)
}

func (s *Service) Update(ctx context.Context, def *Definition) (*Definition, error) {
	if def.ID <= 0 {
		return nil, apperr.Validation("Invalid form ID")
	}
	return s.save(ctx, def, s.repo.Update)
}

func (s *Service) save(ctx context.Context, def *Definition, write func(context.Context, *db.FormEntity) (*db.FormEntity, error)) (*Definition, error) {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "Invalid form definition: "+err.Error())
	}

	entity, err := def.toEntity()
	if err != nil {
		return nil, err
	}

	saved, err := write(ctx, entity)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("Form not found")
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving form", "error", err)
		return nil, apperr.Persistence(err, "Failed to save form")
	}

	s.logger.InfoContext(ctx, "Saved form", "formId", saved.ID)
	return fromEntity(saved)
}

func (s *Service) Get(ctx context.Context, id int64) (*Definition, error) {
	if id <= 0 {
		return nil, apperr.Validation("Invalid form ID")
	}

	entity, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.NotFound("Form not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to load form")
	}
	return fromEntity(entity)
}

func (s *Service) List(ctx context.Context) ([]*Definition, error) {
	entities, err := s.repo.List(ctx)
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to list forms")
	}

	defs := make([]*Definition, 0, len(entities))
	for _, entity := range entities {
		def, err := fromEntity(entity)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.repo.Delete(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.NotFound("Form not found")
	case errors.Is(err, db.ErrInUse):
		return apperr.Validation("Form has submissions and cannot be deleted")
	case err != nil:
		return apperr.Persistence(err, "Failed to delete form")
	}

	s.logger.InfoContext(ctx, "Deleted form", "formId", id)
	return nil
}
