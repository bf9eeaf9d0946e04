package exception

import "errors"

var (
	ErrOrderUnsupportedAction = errors.New("order: unsupported action")
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
)
