package mmio

import "fmt"

// ErrorKind classifies an InitError.
type ErrorKind int

const (
	TooFewRegisters ErrorKind = iota
	TooLittleConfigSpace
	WrongMagicNumber
	UnsupportedVersion
	WrongDeviceType
	MissingRequiredFeatures
	FeatureNegotiationFailed
	QueueInUse
	QueueTooShort
	QueueSetup
)

var kindNames = [...]string{
	TooFewRegisters:          "too few registers",
	TooLittleConfigSpace:     "too little config space",
	WrongMagicNumber:         "wrong magic number",
	UnsupportedVersion:       "unsupported version",
	WrongDeviceType:          "wrong device type",
	MissingRequiredFeatures:  "missing required features",
	FeatureNegotiationFailed: "feature negotiation failed",
	QueueInUse:               "queue already in use",
	QueueTooShort:            "queue not available",
	QueueSetup:               "queue setup failed",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// InitError reports why a device could not be brought up.
type InitError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *InitError) Error() string {
	msg := "mmio: " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InitError) Unwrap() error { return e.Err }

// Is matches another *InitError of the same kind, so callers can write
// errors.Is(err, &mmio.InitError{Kind: mmio.WrongMagicNumber}).
func (e *InitError) Is(target error) bool {
	t, ok := target.(*InitError)
	return ok && t.Kind == e.Kind
}
