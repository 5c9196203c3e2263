package episode

import (
	"github.com/google/uuid"

	"github.com/neuroclinic/clinic/internal/platform/auth"
)

// canAccess reports whether actor may read or mutate episodes of doctorID.
func canAccess(actor auth.Identity, doctorID uuid.UUID) bool {
	return actor.IsAdmin() || (actor.Role == auth.RoleDoctor && actor.Owns(doctorID))
}

// notFoundFor hides the existence of episodes from doctors: only
// administrators learn that an id does not exist.
func notFoundFor(actor auth.Identity) error {
	if actor.IsAdmin() {
		return ErrNotFound
	}
	return ErrForbidden
}

// scopeFor returns the doctor filter for aggregate queries, nil meaning all
// doctors.
func scopeFor(actor auth.Identity) *uuid.UUID {
	if actor.IsAdmin() {
		return nil
	}
	id := actor.DoctorID
	return &id
}

// priceFor is the single point where monetary values become visible.
func priceFor(actor auth.Identity, cents int64) Price {
	if actor.IsAdmin() {
		return Visible(cents)
	}
	return Redacted()
}

func voucherView(actor auth.Identity, v *Voucher) *VoucherView {
	return &VoucherView{
		ID:           v.ID,
		EpisodeID:    v.EpisodeID,
		Type:         v.Type,
		Code:         v.Code,
		Price:        priceFor(actor, v.PriceCents),
		Status:       v.Status,
		RegisteredOn: v.RegisteredOn,
		CreatedAt:    v.CreatedAt,
	}
}
