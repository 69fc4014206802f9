package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
)

func isWatch(r *http.Request) bool {
	v := r.URL.Query().Get("watch")
	return v == "true" || v == "1"
}

// serveWatch streams newline-delimited watch events. Without a
// resourceVersion (or with "0") the current list is sent first as ADDED
// events and the watch continues from the list's version.
func (s *Server) serveWatch(w http.ResponseWriter, r *http.Request, t target) {
	query := r.URL.Query()
	sel, err := parseSelector(r)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := types.ParseResourceVersion(query.Get("resourceVersion"))
	if err != nil {
		writeError(w, apierrors.NewBadRequest(err.Error()))
		return
	}

	ctx := r.Context()
	if raw := query.Get("timeoutSeconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			writeError(w, apierrors.NewBadRequest("invalid timeoutSeconds "+strconv.Quote(raw)))
			return
		}
		if seconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
			defer cancel()
		}
	}

	var initial []unstructured.Unstructured
	if since == 0 {
		list, err := s.store.List(ctx, t.kind.Resource, t.namespace)
		if err != nil {
			writeError(w, err)
			return
		}
		initial = list.Items
		if since, err = types.ParseResourceVersion(list.GetResourceVersion()); err != nil {
			writeError(w, apierrors.NewInternalError(err))
			return
		}
	}

	watcher, err := s.bus.Watch(ctx, t.kind.Resource, t.namespace, since)
	if err != nil {
		writeError(w, err)
		return
	}
	defer watcher.Stop()

	logger := s.logger.With().Str("kind", t.kind.Resource).Str("namespace", t.namespace).Int64("since", since).Logger()
	logger.Debug().Msg("Watch started")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	enc := json.NewEncoder(w)
	send := func(typ watch.EventType, obj interface{}) bool {
		raw, err := json.Marshal(obj)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode watch event")
			return false
		}
		if err := enc.Encode(metav1.WatchEvent{Type: string(typ), Object: runtime.RawExtension{Raw: raw}}); err != nil {
			return false
		}
		flush()
		return true
	}

	for i := range initial {
		if sel.Matches(labels.Set(initial[i].GetLabels())) {
			if !send(watch.Added, initial[i].Object) {
				return
			}
		}
	}
	flush()

	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				if err := watcher.Err(); err != nil {
					status := statusFor(err)
					status.TypeMeta = metav1.TypeMeta{APIVersion: "v1", Kind: "Status"}
					send(watch.Error, status)
					logger.Debug().Err(err).Msg("Watch expired")
				}
				return
			}
			if !sel.Matches(labels.Set(ev.Object.GetLabels())) {
				continue
			}
			if !send(ev.Type, ev.Object.Object) {
				return
			}
		case <-ctx.Done():
			logger.Debug().Msg("Watch closed")
			return
		}
	}
}
