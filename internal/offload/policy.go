package offload

import (
	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/pkg/errors"
)

// TargetPolicy derives the target sent to a device from the unit target.
// It only shapes what the device compares against; solutions are always
// accepted against the unit's full-precision target.
type TargetPolicy interface {
	DeviceTarget(t target.Target) target.Target
	String() string
}

// FullPrecision sends the target unchanged.
type FullPrecision struct{}

func (FullPrecision) DeviceTarget(t target.Target) target.Target { return t }
func (FullPrecision) String() string                             { return "full" }

// PrefixReduction overwrites the leading bytes of the target with Prefix,
// for devices that only compare the low-order part of the digest. A device
// answering under a raised prefix reports candidates the host will reject.
type PrefixReduction struct {
	Prefix []byte
}

// NewPrefixReduction validates prefix against the target width.
func NewPrefixReduction(prefix []byte) (*PrefixReduction, error) {
	if len(prefix) == 0 || len(prefix) > target.Size {
		return nil, errors.Newf(errors.ErrorTypeValidation, "prefix_reduction",
			"prefix must be 1 to %d bytes, got %d", target.Size, len(prefix)).
			WithKind(errors.ErrContractViolation)
	}
	return &PrefixReduction{Prefix: append([]byte(nil), prefix...)}, nil
}

func (p *PrefixReduction) DeviceTarget(t target.Target) target.Target {
	copy(t[:], p.Prefix)
	return t
}

func (p *PrefixReduction) String() string { return "prefix" }
