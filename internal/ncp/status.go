package ncp

import "fmt"

// Status is an NCP-reported outcome of a command or a stack status change.
type Status uint8

const (
	StatusOK Status = iota
	StatusFail
	StatusBusy
	StatusNoBuffers
	StatusNetworkBusy
	StatusMaxMessageLimitReached
	StatusNotJoined
	StatusInvalidParameter
	StatusInvalidState
	StatusNotFound
	StatusTableFull
	StatusNotSupported
	StatusDeliveryFailed
	StatusTimeout

	// Stack status changes, delivered through StackStatusEvent.
	StatusNetworkUp
	StatusNetworkDown
	StatusNetworkOpened
	StatusNetworkClosed
	StatusChannelChanged
)

var statusNames = map[Status]string{
	StatusOK:                     "OK",
	StatusFail:                   "FAIL",
	StatusBusy:                   "BUSY",
	StatusNoBuffers:              "NO_BUFFERS",
	StatusNetworkBusy:            "NETWORK_BUSY",
	StatusMaxMessageLimitReached: "MAX_MESSAGE_LIMIT_REACHED",
	StatusNotJoined:              "NOT_JOINED",
	StatusInvalidParameter:       "INVALID_PARAMETER",
	StatusInvalidState:           "INVALID_STATE",
	StatusNotFound:               "NOT_FOUND",
	StatusTableFull:              "TABLE_FULL",
	StatusNotSupported:           "NOT_SUPPORTED",
	StatusDeliveryFailed:         "DELIVERY_FAILED",
	StatusTimeout:                "TIMEOUT",
	StatusNetworkUp:              "NETWORK_UP",
	StatusNetworkDown:            "NETWORK_DOWN",
	StatusNetworkOpened:          "NETWORK_OPENED",
	StatusNetworkClosed:          "NETWORK_CLOSED",
	StatusChannelChanged:         "CHANNEL_CHANGED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(0x%02X)", uint8(s))
}

// Retryable reports whether the status is a transient condition that the
// dispatch queue should retry without involving the caller.
func (s Status) Retryable() bool {
	switch s {
	case StatusBusy, StatusNoBuffers, StatusNetworkBusy, StatusMaxMessageLimitReached:
		return true
	}
	return false
}

// StatusError carries a non-OK status out of an operation.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("ncp status %s", e.Status)
	}
	return fmt.Sprintf("%s: ncp status %s", e.Op, e.Status)
}

// Is matches any *StatusError with the same status, so callers can write
// errors.Is(err, &ncp.StatusError{Status: ncp.StatusNotJoined}).
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Status == e.Status
}

// CheckStatus returns nil for StatusOK and a *StatusError otherwise.
func CheckStatus(op string, s Status) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}
