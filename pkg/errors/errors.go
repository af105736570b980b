package errors

import (
	"errors"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrGatewayDeclined    = errors.New("gateway declined")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrStateConflict      = errors.New("state conflict")
	ErrRollbackDenied     = errors.New("rollback denied")

	ErrNilTransaction           = errors.New("transaction is nil")
	ErrNilRollbackAttempt       = errors.New("rollback attempt is nil")
	ErrDuplicateTransaction     = errors.New("transaction already exists")
	ErrVersionConflict          = errors.New("transaction version changed")
	ErrRollbackInProgress       = errors.New("rollback already in progress")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidConfirmationToken = errors.New("invalid confirmation token")
	ErrUnauthorized             = errors.New("unauthorized")
)
