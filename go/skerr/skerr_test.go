package skerr

import (
	"errors"
	"fmt"
	"os"
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestFmtIncludesCallSite(t *testing.T) {
	err := Fmt("kaboom %d", 7)
	assert.Contains(t, err.Error(), "kaboom 7")
	assert.Contains(t, err.Error(), "At skerr_test.go:")
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil))

	inner := errors.New("inner")
	wrapped := Wrap(inner)
	assert.Contains(t, wrapped.Error(), "inner")
	assert.True(t, errors.Is(wrapped, inner))

	// Wrapping twice does not stack.
	assert.Equal(t, wrapped, Wrap(wrapped))
}

func TestWrapfContextOrdering(t *testing.T) {
	inner := errors.New("open failed")
	err := Wrapf(Wrapf(inner, "reading config"), "starting server")
	// The outermost context reads first.
	assert.Contains(t, err.Error(), "starting server: reading config: open failed")
}

func TestUnwrapReachesOriginal(t *testing.T) {
	inner := fmt.Errorf("stat: %w", os.ErrNotExist)
	err := Wrapf(inner, "loading state")
	assert.Equal(t, inner, Unwrap(err))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	plain := errors.New("plain")
	assert.Equal(t, plain, Unwrap(plain))
}
