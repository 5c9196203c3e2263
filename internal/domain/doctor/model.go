package doctor

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neuroclinic/clinic/internal/platform/auth"
)

// AdminLicenseCode marks the administrator account. There is no separate
// admin entity.
const AdminLicenseCode = "ADMIN"

const MinPasswordLength = 6

var (
	ErrNotFound           = errors.New("doctor not found")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrForbidden          = errors.New("forbidden")
	ErrValidation         = errors.New("validation failed")
	ErrAdminImmutable     = errors.New("administrator account cannot be deactivated")
)

// Doctor maps to the doctor table.
type Doctor struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	LicenseCode  string    `db:"license_code" json:"license_code"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

func (d *Doctor) IsAdmin() bool {
	return d.LicenseCode == AdminLicenseCode
}

func (d *Doctor) Role() auth.Role {
	if d.IsAdmin() {
		return auth.RoleAdmin
	}
	return auth.RoleDoctor
}

func (d *Doctor) Identity() auth.Identity {
	return auth.Identity{DoctorID: d.ID, Role: d.Role()}
}

// Summary is a doctor row in the admin listing.
type Summary struct {
	Doctor
	EpisodeCount int `json:"episode_count"`
}

type RegisterInput struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	LicenseCode string `json:"license_code"`
	Password    string `json:"password"`
}

type ChangePasswordInput struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
	Confirm string `json:"confirm_password"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
