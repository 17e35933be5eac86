package runtime

import (
	"strings"
	"time"
)

// RegistrationAction is the verb of the registration endpoints exposed by the
// gateway (service auto-registration) and by workers (remote middlewares).
type RegistrationAction string

const (
	ActionAdd    RegistrationAction = "ADD"
	ActionRemove RegistrationAction = "REMOVE"
)

// DefaultRegisterTimeout leaves room for the remote side to come up.
const DefaultRegisterTimeout = 10 * time.Minute

// ParseRegistrationAction accepts "ADD" and "REMOVE" in any case.
func ParseRegistrationAction(v any) (RegistrationAction, bool) {
	s, _ := v.(string)
	switch action := RegistrationAction(strings.ToUpper(s)); action {
	case ActionAdd, ActionRemove:
		return action, true
	default:
		return "", false
	}
}

// RegisterOptions controls a registration call against another service.
type RegisterOptions struct {
	Timeout time.Duration
	// CancelOnExit undoes the registration when the service shuts down.
	CancelOnExit bool
}

// RegisterOption customises RegisterOptions.
type RegisterOption func(*RegisterOptions)

// WithRegisterTimeout overrides DefaultRegisterTimeout.
func WithRegisterTimeout(d time.Duration) RegisterOption {
	return func(o *RegisterOptions) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithoutCancelOnExit keeps the registration in place after shutdown.
func WithoutCancelOnExit() RegisterOption {
	return func(o *RegisterOptions) { o.CancelOnExit = false }
}

// NewRegisterOptions applies opts over the defaults.
func NewRegisterOptions(opts ...RegisterOption) RegisterOptions {
	o := RegisterOptions{Timeout: DefaultRegisterTimeout, CancelOnExit: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
