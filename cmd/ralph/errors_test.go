package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCode_NilIsZero(t *testing.T) {
	require.Equal(t, 0, exitCode(nil))
}

func TestExitCode_TaggedErrors(t *testing.T) {
	require.Equal(t, 2, exitCode(usageError(errors.New("bad args"))))
	require.Equal(t, 1, exitCode(runtimeError(errors.New("boom"))))
	require.Equal(t, 130, exitCode(interruptedError(errors.New("interrupted"))))
}

func TestExitCode_UntaggedErrorDefaultsToOne(t *testing.T) {
	require.Equal(t, 1, exitCode(errors.New("plain error")))
}

func TestExitCode_UnwrapsWrappedCliError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", usageError(errors.New("bad flag")))
	require.Equal(t, 2, exitCode(wrapped))
}

func TestExitCode_StopsAtNonUnwrappableError(t *testing.T) {
	require.Equal(t, 1, exitCode(errNoUnwrap{}))
}

type errNoUnwrap struct{}

func (errNoUnwrap) Error() string { return "no unwrap here" }
