package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errUnknownLease = NewKind(ErrNotFound, "UNKNOWN_LEASE", "unknown lease")

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "renew"))
	assert.NoError(t, Wrapf(nil, "renew %d", 1))

	base := errors.New("disk full")
	err := Wrapf(Wrap(base, "append record"), "register %s", "printer")
	assert.Equal(t, "register printer: append record: disk full", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestWithCode(t *testing.T) {
	assert.NoError(t, WithCode(nil, "X"))

	coded := WithCode(errors.New("answered 500"), "HTTP_500")
	assert.Equal(t, "[HTTP_500] answered 500", coded.Error())
	assert.Equal(t, "HTTP_500", GetCode(Wrap(coded, "deliver")))
	assert.Equal(t, "", GetCode(errors.New("plain")))
	assert.Equal(t, "[EMPTY]", (&CodedError{Code: "EMPTY"}).Error())
}

func TestNewKind(t *testing.T) {
	assert.Equal(t, "[UNKNOWN_LEASE] unknown lease", errUnknownLease.Error())

	wrapped := Wrapf(errUnknownLease, "service %s", "abc")
	assert.ErrorIs(t, wrapped, errUnknownLease)
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.NotErrorIs(t, wrapped, ErrInvalidInput)
	assert.Equal(t, "UNKNOWN_LEASE", GetCode(wrapped))
}

func TestKindOf(t *testing.T) {
	cases := map[string]struct {
		err  error
		want error
	}{
		"not found":    {Wrap(errUnknownLease, "x"), ErrNotFound},
		"invalid":      {NewKind(ErrInvalidInput, "BAD", "bad"), ErrInvalidInput},
		"conflict":     {NewKind(ErrConflict, "C", "c"), ErrConflict},
		"unavailable":  {Wrap(NewKind(ErrUnavailable, "CLOSED", "closed"), "lookup"), ErrUnavailable},
		"bare kind":    {ErrConflict, ErrConflict},
		"uncategorize": {errors.New("plain"), nil},
		"nil":          {nil, nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	assert.NoError(t, c.Err())

	c.Collect(nil)
	assert.NoError(t, c.Err())

	first, second := errors.New("first"), errors.New("second")
	c.Collect(first)
	c.Collect(nil)
	c.Collect(second)
	assert.Same(t, first, c.Err())
}

func TestCombine(t *testing.T) {
	assert.NoError(t, Combine())
	assert.NoError(t, Combine(nil, nil))

	one := errors.New("one")
	assert.Same(t, one, Combine(nil, one, nil))

	two := errors.New("two")
	err := Combine(one, nil, two)
	var multi *MultiError
	assert.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 2)
	assert.ErrorIs(t, err, one)
	assert.ErrorIs(t, err, two)
	assert.Equal(t, "one (and 1 more errors)", err.Error())
}

func TestReExports(t *testing.T) {
	a, b := New("a"), New("b")
	joined := Join(a, b)
	assert.True(t, Is(joined, a))
	assert.True(t, Is(joined, b))
	assert.Equal(t, a, Unwrap(Wrap(a, "ctx")))
}
