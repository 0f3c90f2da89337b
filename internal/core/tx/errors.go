package tx

import "txflow/internal/core/apperror"

// Sentinels for errors.Is. Errors returned by the coordinator carry more
// details but match these by code.
var (
	ErrIllegalTransactionState = apperror.New(apperror.CodeIllegalTransactionState, "illegal transaction state")
	ErrNestedNotSupported      = apperror.New(apperror.CodeNestedNotSupported, "nested transactions not supported")
	ErrTransactionUsage        = apperror.New(apperror.CodeTransactionUsage, "transaction usage error")
	ErrInvalidDefinition       = apperror.New(apperror.CodeInvalidDefinition, "invalid transaction definition")
	ErrUnexpectedRollback      = apperror.New(apperror.CodeUnexpectedRollback, "unexpected rollback")
	ErrResourceFailure         = apperror.New(apperror.CodeResourceFailure, "resource failure")
)
