package gcp

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsNotFound(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":                   {err: nil, want: false},
		"object does not exist": {err: storage.ErrObjectNotExist, want: true},
		"wrapped sentinel":      {err: fmt.Errorf("read: %w", storage.ErrObjectNotExist), want: true},
		"api 404":               {err: &googleapi.Error{Code: http.StatusNotFound}, want: true},
		"wrapped api 404":       {err: fmt.Errorf("copy: %w", &googleapi.Error{Code: http.StatusNotFound}), want: true},
		"api 500":               {err: &googleapi.Error{Code: http.StatusInternalServerError}, want: false},
		"plain error":           {err: errors.New("connection reset"), want: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsNotFound(tc.err))
		})
	}
}

func TestIsFirestoreNotFound(t *testing.T) {
	assert.True(t, IsFirestoreNotFound(status.Error(codes.NotFound, "no such document")))
	assert.False(t, IsFirestoreNotFound(status.Error(codes.Unavailable, "try again")))
	assert.False(t, IsFirestoreNotFound(errors.New("plain")))
	assert.False(t, IsFirestoreNotFound(nil))
}

func TestClassifyWriteError(t *testing.T) {
	err := classifyWriteError("records/a.json", &googleapi.Error{Code: http.StatusPreconditionFailed})
	assert.ErrorIs(t, err, ErrObjectExists)

	err = classifyWriteError("records/a.json", &googleapi.Error{Code: http.StatusForbidden})
	assert.NotErrorIs(t, err, ErrObjectExists)
	var gerr *googleapi.Error
	assert.ErrorAs(t, err, &gerr)
}
