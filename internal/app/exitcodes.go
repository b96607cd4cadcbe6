package app

import (
	"errors"

	"impactos/internal/config"
	"impactos/internal/etl"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK         = 0
	exitUnknown    = 1
	exitConfig     = 2
	exitUsage      = 3
	exitConnection = 4
	exitFormat     = 5
	exitBulkInsert = 6
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

// exitCode maps err to the process exit status. An explicit cliError wins;
// otherwise the pipeline sentinels decide.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	switch {
	case errors.Is(err, config.ErrInvalid), errors.Is(err, etl.ErrMissingReference):
		return exitConfig
	case errors.Is(err, etl.ErrConnection):
		return exitConnection
	case errors.Is(err, etl.ErrFormat):
		return exitFormat
	case errors.Is(err, etl.ErrBulkInsert):
		return exitBulkInsert
	}
	return exitUnknown
}
