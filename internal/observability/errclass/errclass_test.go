package errclass

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/asfalis/asfalis/internal/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "app error code wins", err: apperrors.NotFound("scan missing"), want: "not_found"},
		{name: "wrapped app error", err: fmt.Errorf("outer: %w", apperrors.Conflict("already terminal")), want: "conflict"},
		{name: "innermost type name", err: fmt.Errorf("outer: %w", &os.PathError{Op: "open", Path: "x"}), want: "fs_patherror"},
		{name: "plain error", err: fmt.Errorf("boom"), want: "errors_errorstring"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
