// Package errs defines the error-kind taxonomy shared across loopd's
// components so callers can classify a failure with errors.Is instead of
// string-matching messages.
package errs

import "errors"

// Kind identifies the class of failure behind an error, mirroring the
// propagation policy in the design notes: timeouts and SNMP packet errors
// during polling mark the device unreachable and queue it for the Worker's
// backed-off reinit, invalid-input/invalid-data errors are logged
// and the offending record is skipped, and fs-provision/inventory-fetch
// errors abort the current reconcile pass without crashing the daemon.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindInvalidInput
	KindInvalidData
	KindSNMPPacket
	KindRuntime
	KindInventoryFetch
	KindFSProvision
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindInvalidInput:
		return "invalid-input"
	case KindInvalidData:
		return "invalid-data"
	case KindSNMPPacket:
		return "snmp-packet"
	case KindRuntime:
		return "runtime"
	case KindInventoryFetch:
		return "inventory-fetch"
	case KindFSProvision:
		return "fs-provision"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per Kind, meant to be wrapped with fmt.Errorf's %w
// verb and unwrapped with errors.Is against these values.
var (
	ErrTimeout        = errors.New("timeout")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidData    = errors.New("invalid data")
	ErrSNMPPacket     = errors.New("snmp packet error")
	ErrRuntime        = errors.New("runtime error")
	ErrInventoryFetch = errors.New("inventory fetch failed")
	ErrFSProvision    = errors.New("filesystem provisioning failed")
)

var sentinels = map[Kind]error{
	KindTimeout:        ErrTimeout,
	KindInvalidInput:   ErrInvalidInput,
	KindInvalidData:    ErrInvalidData,
	KindSNMPPacket:     ErrSNMPPacket,
	KindRuntime:        ErrRuntime,
	KindInventoryFetch: ErrInventoryFetch,
	KindFSProvision:    ErrFSProvision,
}

// Of reports the Kind of err, walking the error chain with errors.Is
// against each sentinel. Returns KindUnknown if none match.
func Of(err error) Kind {
	for k, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindUnknown
}

// Sentinel returns the sentinel error for Kind, for use with fmt.Errorf's
// %w verb at the point an error of that kind originates.
func Sentinel(k Kind) error {
	if s, ok := sentinels[k]; ok {
		return s
	}
	return ErrRuntime
}
