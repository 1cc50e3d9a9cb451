package phone

import "errors"

var (
	ErrNotSupported       = errors.New("phone: watch connectivity is not supported")
	ErrNotActivated       = errors.New("phone: session is not activated")
	ErrNotReachable       = errors.New("phone: watch is not reachable")
	ErrDataRequired       = errors.New("phone: data is required")
	ErrContextRequired    = errors.New("phone: context is required")
	ErrUserInfoRequired   = errors.New("phone: userInfo is required")
	ErrCallbackIDRequired = errors.New("phone: callbackId is required")
	ErrInvalidCallbackID  = errors.New("phone: invalid or expired callbackId")
	ErrInvalidPayload     = errors.New("phone: invalid payload")
	ErrHandshakeRejected  = errors.New("phone: handshake rejected")
)
