package main

// cliError pairs an error with the process exit code it should produce,
// per the exit-code contract of the CLI surface: 0 success, 1 unrecoverable
// error, 2 invalid arguments, 130 SIGINT.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func usageError(err error) error       { return &cliError{code: 2, err: err} }
func runtimeError(err error) error     { return &cliError{code: 1, err: err} }
func interruptedError(err error) error { return &cliError{code: 130, err: err} }

// exitCode extracts the process exit code from an error returned by a
// command's RunE, defaulting to 1 for anything not tagged with a cliError.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if ok := asCliError(err, &ce); ok {
		return ce.code
	}
	return 1
}

func asCliError(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
