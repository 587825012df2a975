package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	root := New("connection refused")
	wrapped := WithContext(WithContext(root, "post sync"), "run sync pass")

	assert.Equal(t, "run sync pass: post sync: connection refused", wrapped.Error())
	assert.Equal(t, root, RootCause(wrapped))
}

func TestGetPrintableMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "PlainError",
			err:  New("boom"),
			exp:  "boom",
		},
		{
			name: "ContextChain",
			err:  WithContext(New("boom"), "do thing"),
			exp:  "do thing: boom",
		},
		{
			name: "FriendlyError",
			err:  NewFriendlyError("Something %s happened.", "bad"),
			exp:  "Something bad happened.",
		},
		{
			name: "WrappedFriendlyError",
			err:  WithContext(NewFriendlyError("Something bad happened."), "mount"),
			exp:  "Something bad happened.",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, GetPrintableMessage(test.err))
		})
	}
}

func TestAuthErrorIsFriendly(t *testing.T) {
	err := WithContext(AuthError{Message: "Invalid email or password."}, "sign in")
	assert.Contains(t, GetPrintableMessage(err), "Invalid email or password.")
}
