package errors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCode(0), GetExitCode(nil))
	assert.Equal(t, ExitCode(1), GetExitCode(errors.New("plain")))

	err := NewError(errors.New("bad journal"), JournalFailureExitCode)
	assert.Equal(t, JournalFailureExitCode, GetExitCode(err))
	assert.Equal(t, JournalFailureExitCode, GetExitCode(errors.Wrap(err, "starting")))
	assert.Equal(t, "bad journal", errors.Cause(err).Error())

	assert.Nil(t, NewError(nil, ServeFailureExitCode))
	var nilErr *ExitCodeError
	assert.Equal(t, ExitCode(0), nilErr.GetExitCode())
}
