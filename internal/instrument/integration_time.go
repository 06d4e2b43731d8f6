package instrument

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/loykin/cs150ctl/internal/protocol"
)

// IntegrationTime is the instrument exposure setting: a positive number of
// seconds or automatic mode. The zero value is invalid.
type IntegrationTime struct {
	auto    bool
	seconds float64
}

// Auto selects automatic integration time.
func Auto() IntegrationTime { return IntegrationTime{auto: true} }

// Seconds selects a fixed integration time. It is validated when used.
func Seconds(s float64) IntegrationTime { return IntegrationTime{seconds: s} }

// ParseIntegrationTime accepts "auto" in any case or a positive decimal number.
func ParseIntegrationTime(s string) (IntegrationTime, error) {
	v := strings.TrimSpace(s)
	if strings.EqualFold(v, "auto") {
		return Auto(), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return IntegrationTime{}, fmt.Errorf("%w: integration time must be a positive number or 'auto', got %q", ErrInvalidArgument, s)
	}
	t := Seconds(f)
	if err := t.Validate(); err != nil {
		return IntegrationTime{}, err
	}
	return t, nil
}

func (t IntegrationTime) IsAuto() bool { return t.auto }

// Value returns the seconds of a fixed integration time, 0 in auto mode.
func (t IntegrationTime) Value() float64 { return t.seconds }

// Validate reports ErrInvalidArgument unless t is auto or finite and positive.
func (t IntegrationTime) Validate() error {
	if t.auto {
		return nil
	}
	if math.IsNaN(t.seconds) || math.IsInf(t.seconds, 0) || t.seconds <= 0 {
		return fmt.Errorf("%w: integration time must be a positive number or 'auto', got %v", ErrInvalidArgument, t.seconds)
	}
	return nil
}

// Command renders the INTEG request for t.
func (t IntegrationTime) Command() protocol.Command {
	return protocol.Integ(t.String())
}

func (t IntegrationTime) String() string {
	if t.auto {
		return protocol.IntegAuto
	}
	return strconv.FormatFloat(t.seconds, 'f', -1, 64)
}
