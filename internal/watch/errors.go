package watch

import "errors"

var (
	ErrPhoneNotReachable   = errors.New("watch: phone is not reachable")
	ErrSessionNotActivated = errors.New("watch: session is not activated")
	ErrSendFailed          = errors.New("watch: send failed")
	ErrAlreadyActivated    = errors.New("watch: already activated")
	ErrHandshakeRejected   = errors.New("watch: handshake rejected")
	ErrInvalidPayload      = errors.New("watch: invalid payload")
)
