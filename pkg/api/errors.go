package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/burrow/pkg/types"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// statusFor converts err to the Status returned to clients. Store errors
// already carry one; domain sentinels map to the closest HTTP code.
func statusFor(err error) metav1.Status {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		s := status.Status()
		if s.Code == 0 {
			s.Code = http.StatusInternalServerError
		}
		return s
	}

	switch {
	case errors.Is(err, types.ErrInvalidSelector), errors.Is(err, types.ErrProtocol):
		return apierrors.NewBadRequest(err.Error()).ErrStatus
	case errors.Is(err, types.ErrBackendUnavailable):
		return apierrors.NewServiceUnavailable(err.Error()).ErrStatus
	default:
		return apierrors.NewInternalError(err).ErrStatus
	}
}

func newStatusError(code int32, reason metav1.StatusReason, message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    code,
		Reason:  reason,
		Message: message,
	}}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	status.TypeMeta = metav1.TypeMeta{APIVersion: "v1", Kind: "Status"}
	writeJSON(w, int(status.Code), status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
