package types

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Domain errors that have no apimachinery status equivalent. They are
// wrapped with context and tested with errors.Is.
var (
	ErrInvalidSelector    = errors.New("invalid selector")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrProtocol           = errors.New("protocol error")
)

// NewNotFound returns a NotFound status error for the kind
func NewNotFound(k KindInfo, name string) error {
	return apierrors.NewNotFound(k.GroupResource(), name)
}

// NewAlreadyExists returns an AlreadyExists status error for the kind
func NewAlreadyExists(k KindInfo, name string) error {
	return apierrors.NewAlreadyExists(k.GroupResource(), name)
}

// NewConflict returns a Conflict status error describing a version mismatch
func NewConflict(k KindInfo, name string, have, want string) error {
	return apierrors.NewConflict(k.GroupResource(), name,
		fmt.Errorf("the object has been modified; resourceVersion is %s, request carried %s", have, want))
}

// NewExpired returns the error watchers receive when their cursor is no
// longer retained or their queue overflowed.
func NewExpired(format string, args ...interface{}) error {
	return apierrors.NewResourceExpired(fmt.Sprintf(format, args...))
}

// IsExpired reports whether err ends a watch and requires a re-list
func IsExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}
