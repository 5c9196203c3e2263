package doctor

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/neuroclinic/clinic/internal/platform/auth"
)

// -- Mock Repository --

type mockDoctorRepo struct {
	doctors  map[uuid.UUID]*Doctor
	episodes map[uuid.UUID]int
}

func newMockDoctorRepo() *mockDoctorRepo {
	return &mockDoctorRepo{doctors: make(map[uuid.UUID]*Doctor), episodes: make(map[uuid.UUID]int)}
}

func (m *mockDoctorRepo) Create(_ context.Context, d *Doctor) error {
	for _, existing := range m.doctors {
		if existing.Email == d.Email {
			return ErrDuplicateEmail
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	m.doctors[d.ID] = &cp
	return nil
}

func (m *mockDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDoctorRepo) GetByEmail(_ context.Context, email string) (*Doctor, error) {
	for _, d := range m.doctors {
		if d.Email == email {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockDoctorRepo) GetAdmin(_ context.Context) (*Doctor, error) {
	for _, d := range m.doctors {
		if d.IsAdmin() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockDoctorRepo) ListWithEpisodeCounts(_ context.Context, limit, offset int) ([]*Summary, int, error) {
	var result []*Summary
	for _, d := range m.doctors {
		if d.IsAdmin() {
			continue
		}
		result = append(result, &Summary{Doctor: *d, EpisodeCount: m.episodes[d.ID]})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(result) {
		end = len(result)
	}
	return result[offset:end], total, nil
}

func (m *mockDoctorRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	d, ok := m.doctors[id]
	if !ok {
		return ErrNotFound
	}
	d.Active = active
	return nil
}

func (m *mockDoctorRepo) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	d, ok := m.doctors[id]
	if !ok {
		return ErrNotFound
	}
	d.PasswordHash = hash
	return nil
}

func testHasher() *auth.PasswordHasher {
	return auth.NewPasswordHasher(&auth.HashParams{
		Memory:      1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  8,
		KeyLength:   16,
	})
}

func newTestService() (*Service, *mockDoctorRepo) {
	repo := newMockDoctorRepo()
	return NewService(repo, testHasher()), repo
}

var adminActor = auth.Identity{DoctorID: uuid.New(), Role: auth.RoleAdmin}

func registerDoctor(t *testing.T, svc *Service, name, email string) *Doctor {
	t.Helper()
	d, err := svc.Register(context.Background(), adminActor, RegisterInput{
		Name: name, Email: email, LicenseCode: "CRM-" + name, Password: "secret123",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return d
}

func TestService_Register(t *testing.T) {
	svc, repo := newTestService()

	d := registerDoctor(t, svc, "Ana", "  Ana@Clinic.example ")

	if d.Email != "ana@clinic.example" {
		t.Errorf("expected normalized email, got %q", d.Email)
	}
	if !d.Active {
		t.Error("expected new doctor to be active")
	}
	stored := repo.doctors[d.ID]
	if stored.PasswordHash == "" || stored.PasswordHash == "secret123" {
		t.Error("expected password to be hashed")
	}
	if d.Role() != auth.RoleDoctor {
		t.Errorf("expected doctor role, got %s", d.Role())
	}
}

func TestService_Register_Validation(t *testing.T) {
	svc, _ := newTestService()
	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"missing name", RegisterInput{Email: "a@b.c", LicenseCode: "1", Password: "secret123"}},
		{"bad email", RegisterInput{Name: "A", Email: "nope", LicenseCode: "1", Password: "secret123"}},
		{"missing license", RegisterInput{Name: "A", Email: "a@b.c", Password: "secret123"}},
		{"reserved license", RegisterInput{Name: "A", Email: "a@b.c", LicenseCode: "admin", Password: "secret123"}},
		{"short password", RegisterInput{Name: "A", Email: "a@b.c", LicenseCode: "1", Password: "123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), adminActor, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestService_Register_DuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	registerDoctor(t, svc, "Ana", "ana@clinic.example")

	_, err := svc.Register(context.Background(), adminActor, RegisterInput{
		Name: "Other", Email: "ANA@clinic.example", LicenseCode: "2", Password: "secret123",
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_Register_RequiresAdmin(t *testing.T) {
	svc, _ := newTestService()
	doctor := auth.Identity{DoctorID: uuid.New(), Role: auth.RoleDoctor}
	_, err := svc.Register(context.Background(), doctor, RegisterInput{
		Name: "A", Email: "a@b.c", LicenseCode: "1", Password: "secret123",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestService_List_ExcludesAdmin(t *testing.T) {
	svc, repo := newTestService()
	if _, _, err := svc.BootstrapAdmin(context.Background(), "admin@clinic.example", "adminpass"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ana := registerDoctor(t, svc, "Ana", "ana@clinic.example")
	registerDoctor(t, svc, "Bruno", "bruno@clinic.example")
	repo.episodes[ana.ID] = 3

	items, total, err := svc.List(context.Background(), adminActor, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 doctors, got %d (total %d)", len(items), total)
	}
	if items[0].Name != "Ana" || items[0].EpisodeCount != 3 {
		t.Errorf("unexpected first row %+v", items[0])
	}
}

func TestService_SetActive(t *testing.T) {
	svc, _ := newTestService()
	d := registerDoctor(t, svc, "Ana", "ana@clinic.example")

	updated, err := svc.SetActive(context.Background(), adminActor, d.ID, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Active {
		t.Error("expected doctor to be inactive")
	}

	_, err = svc.Authenticate(context.Background(), "ana@clinic.example", "secret123")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected inactive doctor to be rejected, got %v", err)
	}
}

func TestService_SetActive_AdminCannotBeDeactivated(t *testing.T) {
	svc, _ := newTestService()
	admin, _, err := svc.BootstrapAdmin(context.Background(), "admin@clinic.example", "adminpass")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	_, err = svc.SetActive(context.Background(), adminActor, admin.ID, false)
	if !errors.Is(err, ErrAdminImmutable) {
		t.Errorf("expected ErrAdminImmutable, got %v", err)
	}
}

func TestService_SetActive_NotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.SetActive(context.Background(), adminActor, uuid.New(), false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ResetPassword(t *testing.T) {
	svc, _ := newTestService()
	d := registerDoctor(t, svc, "Ana", "ana@clinic.example")

	temp, err := svc.ResetPassword(context.Background(), adminActor, d.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(temp) != temporaryPasswordLength {
		t.Errorf("expected %d character password, got %q", temporaryPasswordLength, temp)
	}
	if _, err := svc.Authenticate(context.Background(), "ana@clinic.example", "secret123"); err == nil {
		t.Error("old password should no longer work")
	}
	if _, err := svc.Authenticate(context.Background(), "ana@clinic.example", temp); err != nil {
		t.Errorf("temporary password should work: %v", err)
	}
}

func TestService_ChangePassword(t *testing.T) {
	svc, _ := newTestService()
	d := registerDoctor(t, svc, "Ana", "ana@clinic.example")
	actor := d.Identity()

	tests := []struct {
		name string
		in   ChangePasswordInput
	}{
		{"too short", ChangePasswordInput{Current: "secret123", New: "abc", Confirm: "abc"}},
		{"mismatch", ChangePasswordInput{Current: "secret123", New: "newpass1", Confirm: "newpass2"}},
		{"wrong current", ChangePasswordInput{Current: "wrong", New: "newpass1", Confirm: "newpass1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.ChangePassword(context.Background(), actor, tt.in); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	err := svc.ChangePassword(context.Background(), actor, ChangePasswordInput{
		Current: "secret123", New: "newpass1", Confirm: "newpass1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "ana@clinic.example", "newpass1"); err != nil {
		t.Errorf("new password should work: %v", err)
	}
}

func TestService_BootstrapAdmin_Idempotent(t *testing.T) {
	svc, repo := newTestService()

	first, created, err := svc.BootstrapAdmin(context.Background(), "Admin@Clinic.example", "adminpass")
	if err != nil || !created {
		t.Fatalf("expected admin to be created, got created=%v err=%v", created, err)
	}
	second, created, err := svc.BootstrapAdmin(context.Background(), "other@clinic.example", "otherpass")
	if err != nil || created {
		t.Fatalf("expected existing admin, got created=%v err=%v", created, err)
	}
	if first.ID != second.ID || len(repo.doctors) != 1 {
		t.Error("bootstrap must not create a second admin")
	}

	d, err := svc.Authenticate(context.Background(), "admin@clinic.example", "adminpass")
	if err != nil {
		t.Fatalf("authenticate admin: %v", err)
	}
	if d.Role() != auth.RoleAdmin {
		t.Errorf("expected admin role, got %s", d.Role())
	}
}

func TestService_Authenticate_GenericFailure(t *testing.T) {
	svc, _ := newTestService()
	registerDoctor(t, svc, "Ana", "ana@clinic.example")

	for _, tc := range []struct{ email, password string }{
		{"nobody@clinic.example", "secret123"},
		{"ana@clinic.example", "wrong"},
	} {
		_, err := svc.Authenticate(context.Background(), tc.email, tc.password)
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("%s: expected ErrInvalidCredentials, got %v", tc.email, err)
		}
	}
}

func TestService_Get_Scoped(t *testing.T) {
	svc, _ := newTestService()
	ana := registerDoctor(t, svc, "Ana", "ana@clinic.example")
	bruno := registerDoctor(t, svc, "Bruno", "bruno@clinic.example")

	if _, err := svc.Get(context.Background(), ana.Identity(), ana.ID); err != nil {
		t.Errorf("doctor should read own profile: %v", err)
	}
	if _, err := svc.Get(context.Background(), ana.Identity(), bruno.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestService_IsActive(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := registerDoctor(t, svc, "Ana", "ana@clinic.example")

	if active, err := svc.IsActive(ctx, d.ID); err != nil || !active {
		t.Fatalf("expected registered doctor to be active, got %v (err %v)", active, err)
	}
	if _, err := svc.SetActive(ctx, adminActor, d.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if active, err := svc.IsActive(ctx, d.ID); err != nil || active {
		t.Errorf("expected deactivated doctor to be inactive, got %v (err %v)", active, err)
	}
	if active, err := svc.IsActive(ctx, uuid.New()); err != nil || active {
		t.Errorf("expected unknown doctor to be inactive, got %v (err %v)", active, err)
	}
}
