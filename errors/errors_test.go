package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/dargueta/shadowfs/errors"
	"github.com/stretchr/testify/assert"
)

func TestShadowErrorWithMessage(t *testing.T) {
	err := errors.ErrNotFound.WithMessage("no such file: foo")
	assert.Equal(t, "file not found: no such file: foo", err.Error())
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestShadowErrorWrap(t *testing.T) {
	cause := stderrors.New("device returned short read")
	err := errors.ErrIO.Wrap(cause)
	assert.ErrorIs(t, err, errors.ErrIO)
	assert.ErrorIs(t, err, cause)
}

func TestAbortPanics(t *testing.T) {
	assert.Panics(t, func() {
		errors.Abort("block chain inconsistency")
	})
}
