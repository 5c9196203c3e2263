package doctor

import (
	"context"

	"github.com/google/uuid"
)

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetByEmail(ctx context.Context, email string) (*Doctor, error)
	GetAdmin(ctx context.Context) (*Doctor, error)
	ListWithEpisodeCounts(ctx context.Context, limit, offset int) ([]*Summary, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
}
