package episode

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ConsultationType = "consultation"

	ConsultationPriceCents int64 = 100_00
	StandardPriceCents     int64 = 800_00

	redactedMarker = "***"
)

// PriceFor is the price table. Callers never supply prices.
func PriceFor(voucherType string) int64 {
	if normalizeVoucherType(voucherType) == ConsultationType {
		return ConsultationPriceCents
	}
	return StandardPriceCents
}

func normalizeVoucherType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// Price is either a visible amount in cents or redacted. The zero value is
// redacted, so a view built without consulting the policy leaks nothing.
type Price struct {
	cents   int64
	visible bool
}

func Visible(cents int64) Price {
	return Price{cents: cents, visible: true}
}

func Redacted() Price {
	return Price{}
}

// Amount returns the cents and true, or 0 and false when redacted.
func (p Price) Amount() (int64, bool) {
	if !p.visible {
		return 0, false
	}
	return p.cents, true
}

func (p Price) IsRedacted() bool {
	return !p.visible
}

func (p Price) String() string {
	if !p.visible {
		return redactedMarker
	}
	return formatCents(p.cents)
}

type priceJSON struct {
	Redacted bool   `json:"redacted"`
	Cents    *int64 `json:"cents,omitempty"`
	Display  string `json:"display"`
}

func (p Price) MarshalJSON() ([]byte, error) {
	out := priceJSON{Redacted: !p.visible, Display: p.String()}
	if p.visible {
		cents := p.cents
		out.Cents = &cents
	}
	return json.Marshal(out)
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
