package doctor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neuroclinic/clinic/internal/platform/auth"
)

// PasswordHasher is satisfied by *auth.PasswordHasher.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encoded, password string) error
}

const temporaryPasswordLength = 12

type Service struct {
	doctors DoctorRepository
	hasher  PasswordHasher
}

func NewService(doctors DoctorRepository, hasher PasswordHasher) *Service {
	return &Service{doctors: doctors, hasher: hasher}
}

func requireAdmin(actor auth.Identity) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Register creates a doctor account. Only administrators may register
// doctors, and the ADMIN license code is reserved for BootstrapAdmin.
func (s *Service) Register(ctx context.Context, actor auth.Identity, in RegisterInput) (*Doctor, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	d := &Doctor{
		Name:        strings.TrimSpace(in.Name),
		Email:       normalizeEmail(in.Email),
		LicenseCode: strings.TrimSpace(in.LicenseCode),
		Active:      true,
	}
	if d.Name == "" {
		return nil, validationError("name is required")
	}
	if !strings.Contains(d.Email, "@") {
		return nil, validationError("a valid email is required")
	}
	if d.LicenseCode == "" {
		return nil, validationError("license_code is required")
	}
	if strings.EqualFold(d.LicenseCode, AdminLicenseCode) {
		return nil, validationError("license_code %q is reserved", AdminLicenseCode)
	}
	if len(in.Password) < MinPasswordLength {
		return nil, validationError("password must be at least %d characters", MinPasswordLength)
	}

	if _, err := s.doctors.GetByEmail(ctx, d.Email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	d.PasswordHash = hash
	if err := s.doctors.Create(ctx, d); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("doctor_id", d.ID.String()).Msg("doctor registered")
	return d, nil
}

func (s *Service) List(ctx context.Context, actor auth.Identity, limit, offset int) ([]*Summary, int, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, 0, err
	}
	return s.doctors.ListWithEpisodeCounts(ctx, limit, offset)
}

func (s *Service) Get(ctx context.Context, actor auth.Identity, id uuid.UUID) (*Doctor, error) {
	if !actor.IsAdmin() && !actor.Owns(id) {
		return nil, ErrForbidden
	}
	return s.doctors.GetByID(ctx, id)
}

// IsActive reports whether the doctor exists and is active. Unknown ids are
// inactive.
func (s *Service) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	d, err := s.doctors.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Active, nil
}

// SetActive soft-activates or deactivates a doctor. Deactivated doctors keep
// their episodes but can no longer authenticate.
func (s *Service) SetActive(ctx context.Context, actor auth.Identity, id uuid.UUID, active bool) (*Doctor, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	d, err := s.doctors.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsAdmin() && !active {
		return nil, ErrAdminImmutable
	}
	if err := s.doctors.SetActive(ctx, id, active); err != nil {
		return nil, err
	}
	d.Active = active
	zerolog.Ctx(ctx).Info().Str("doctor_id", id.String()).Bool("active", active).Msg("doctor status changed")
	return d, nil
}

// ResetPassword replaces the doctor's password with a random one and returns
// it. The plain value is never stored.
func (s *Service) ResetPassword(ctx context.Context, actor auth.Identity, id uuid.UUID) (string, error) {
	if err := requireAdmin(actor); err != nil {
		return "", err
	}
	if _, err := s.doctors.GetByID(ctx, id); err != nil {
		return "", err
	}
	password, err := auth.GeneratePassword(temporaryPasswordLength)
	if err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", err
	}
	if err := s.doctors.UpdatePasswordHash(ctx, id, hash); err != nil {
		return "", err
	}
	zerolog.Ctx(ctx).Info().Str("doctor_id", id.String()).Msg("password reset")
	return password, nil
}

func (s *Service) ChangePassword(ctx context.Context, actor auth.Identity, in ChangePasswordInput) error {
	if actor.DoctorID == uuid.Nil {
		return ErrForbidden
	}
	if len(in.New) < MinPasswordLength {
		return validationError("new password must be at least %d characters", MinPasswordLength)
	}
	if in.New != in.Confirm {
		return validationError("password confirmation does not match")
	}
	d, err := s.doctors.GetByID(ctx, actor.DoctorID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(d.PasswordHash, in.Current); err != nil {
		return validationError("current password is incorrect")
	}
	hash, err := s.hasher.Hash(in.New)
	if err != nil {
		return err
	}
	return s.doctors.UpdatePasswordHash(ctx, d.ID, hash)
}

// BootstrapAdmin creates the administrator account if none exists. The
// second return value reports whether a row was created.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) (*Doctor, bool, error) {
	existing, err := s.doctors.GetAdmin(ctx)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	email = normalizeEmail(email)
	if !strings.Contains(email, "@") {
		return nil, false, validationError("a valid admin email is required")
	}
	if len(password) < MinPasswordLength {
		return nil, false, validationError("admin password must be at least %d characters", MinPasswordLength)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, false, err
	}
	d := &Doctor{
		Name:         "Administrator",
		Email:        email,
		PasswordHash: hash,
		LicenseCode:  AdminLicenseCode,
		Active:       true,
	}
	if err := s.doctors.Create(ctx, d); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// Authenticate verifies credentials. Unknown email, wrong password and
// inactive accounts all yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Doctor, error) {
	d, err := s.doctors.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := s.hasher.Verify(d.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !d.Active {
		zerolog.Ctx(ctx).Debug().Str("doctor_id", d.ID.String()).Msg("login rejected for inactive doctor")
		return nil, ErrInvalidCredentials
	}
	return d, nil
}
