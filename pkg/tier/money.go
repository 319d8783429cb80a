package tier

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Money is an amount in the smallest currency unit (cents for USD).
type Money struct {
	Amount   int64  `yaml:"amount" json:"amount"`
	Currency string `yaml:"currency" json:"currency"` // ISO 4217
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// Validate checks that the currency is a known ISO 4217 code and the amount is not negative.
func (m Money) Validate() error {
	if m.Amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidPrice, m.Amount)
	}
	if _, err := currency.ParseISO(m.Currency); err != nil {
		return fmt.Errorf("%w: currency %q", ErrInvalidPrice, m.Currency)
	}
	return nil
}

// Format renders the amount with the currency symbol for the given language,
// e.g. "$ 29.00" for 2900 USD in English. Unknown currencies fall back to
// "<amount> <code>".
func (m Money) Format(tag language.Tag) string {
	unit, err := currency.ParseISO(m.Currency)
	if err != nil {
		return fmt.Sprintf("%d %s", m.Amount, strings.ToUpper(m.Currency))
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := float64(m.Amount) / math.Pow10(scale)
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(value)))
}

func (m Money) String() string {
	return m.Format(language.English)
}
