package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/mux"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"sigs.k8s.io/yaml"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 3 << 20

// Patch content types
const (
	ContentTypeMergePatch          = "application/merge-patch+json"
	ContentTypeStrategicMergePatch = "application/strategic-merge-patch+json"
	ContentTypeJSONPatch           = "application/json-patch+json"
)

// statusUpdateAttempts bounds retries of unconditional status writes
const statusUpdateAttempts = 3

// target identifies the resource a request addresses
type target struct {
	kind      types.KindInfo
	namespace string
	name      string
}

// resolve maps the route variables to a served kind. It writes the error
// response and returns false when the request addresses nothing served.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (target, bool) {
	vars := mux.Vars(r)
	kind, ok := s.kinds.LookupGroup(vars["group"], vars["version"], vars["resource"])
	t := target{kind: kind, namespace: vars["namespace"], name: vars["name"]}

	switch {
	case !ok,
		t.namespace != "" && !kind.Namespaced,
		t.namespace == "" && t.name != "" && kind.Namespaced:
		writeError(w, newStatusError(http.StatusNotFound, metav1.StatusReasonNotFound, "the server could not find the requested resource"))
		return target{}, false
	}
	return t, true
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if isWatch(r) {
			s.serveWatch(w, r, t)
			return
		}
		s.list(w, r, t)
	case http.MethodPost:
		if t.kind.Namespaced && t.namespace == "" {
			writeError(w, methodNotAllowed())
			return
		}
		s.create(w, r, t)
	default:
		writeError(w, methodNotAllowed())
	}
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		obj, err := s.store.Get(r.Context(), t.kind.Resource, t.namespace, t.name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj.Object)
	case http.MethodPut:
		s.update(w, r, t)
	case http.MethodPatch:
		s.patch(w, r, t, false)
	case http.MethodDelete:
		s.delete(w, r, t)
	default:
		writeError(w, methodNotAllowed())
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.resolve(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		obj, err := s.store.Get(r.Context(), t.kind.Resource, t.namespace, t.name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, obj.Object)
	case http.MethodPut:
		s.updateStatus(w, r, t)
	case http.MethodPatch:
		s.patch(w, r, t, true)
	default:
		writeError(w, methodNotAllowed())
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, t target) {
	sel, err := parseSelector(r)
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := s.store.List(r.Context(), t.kind.Resource, t.namespace)
	if err != nil {
		writeError(w, err)
		return
	}
	if !sel.Empty() {
		kept := list.Items[:0]
		for _, item := range list.Items {
			if sel.Matches(labels.Set(item.GetLabels())) {
				kept = append(kept, item)
			}
		}
		list.Items = kept
	}

	writeJSON(w, http.StatusOK, list.UnstructuredContent())
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, t target) {
	obj, err := readObject(w, r, t.kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if ns := obj.GetNamespace(); t.kind.Namespaced && ns != "" && ns != t.namespace {
		writeError(w, apierrors.NewBadRequest("the namespace of the provided object does not match the namespace sent on the request"))
		return
	}

	created, err := s.store.Create(r.Context(), t.kind.Resource, t.namespace, obj)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.Object)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, t target) {
	obj, err := readObject(w, r, t.kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := checkTarget(obj, t); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.store.Update(r.Context(), t.kind.Resource, t.namespace, t.name, obj)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Object)
}

// updateStatus replaces only the status of the stored object. A
// resourceVersion on the body makes the write conditional.
func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, t target) {
	obj, err := readObject(w, r, t.kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := checkTarget(obj, t); err != nil {
		writeError(w, err)
		return
	}
	status, hasStatus := obj.Object["status"]
	wantRV := obj.GetResourceVersion()

	for attempt := 1; ; attempt++ {
		current, err := s.store.Get(r.Context(), t.kind.Resource, t.namespace, t.name)
		if err != nil {
			writeError(w, err)
			return
		}
		next := current.DeepCopy()
		if hasStatus {
			next.Object["status"] = status
		} else {
			delete(next.Object, "status")
		}
		if wantRV != "" {
			next.SetResourceVersion(wantRV)
		}

		updated, err := s.store.Update(r.Context(), t.kind.Resource, t.namespace, t.name, next)
		if apierrors.IsConflict(err) && wantRV == "" && attempt < statusUpdateAttempts {
			continue
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated.Object)
		return
	}
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, t target, statusOnly bool) {
	pt, err := patchType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if statusOnly {
		if body, err = restrictToStatus(pt, body); err != nil {
			writeError(w, err)
			return
		}
	}

	patched, err := s.store.Patch(r.Context(), t.kind.Resource, t.namespace, t.name, pt, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patched.Object)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, t target) {
	var opts metav1.DeleteOptions
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &opts); err != nil {
			writeError(w, apierrors.NewBadRequest(fmt.Sprintf("invalid delete options: %v", err)))
			return
		}
	}

	deleted, err := s.store.Delete(r.Context(), t.kind.Resource, t.namespace, t.name, opts.Preconditions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted.Object)
}

func methodNotAllowed() error {
	return newStatusError(http.StatusMethodNotAllowed, metav1.StatusReasonMethodNotAllowed, "the server does not allow this method on the requested resource")
}

func parseSelector(r *http.Request) (labels.Selector, error) {
	raw := r.URL.Query().Get("labelSelector")
	sel, err := labels.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", types.ErrInvalidSelector, raw, err)
	}
	return sel, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierrors.NewRequestEntityTooLargeError(fmt.Sprintf("limit is %d bytes", maxBodyBytes))
		}
		return nil, apierrors.NewBadRequest(fmt.Sprintf("failed to read request body: %v", err))
	}
	return data, nil
}

// readObject decodes a JSON or YAML body into a document of kind, filling
// in apiVersion and kind when they are omitted.
func readObject(w http.ResponseWriter, r *http.Request, kind types.KindInfo) (*unstructured.Unstructured, error) {
	data, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apierrors.NewBadRequest("request body is required")
	}
	if !json.Valid(data) {
		if data, err = yaml.YAMLToJSON(data); err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("failed to decode body: %v", err))
		}
	}

	var content map[string]interface{}
	if err := utiljson.Unmarshal(data, &content); err != nil {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("failed to decode body: %v", err))
	}
	if content == nil {
		return nil, apierrors.NewBadRequest("request body must be an object")
	}

	obj := &unstructured.Unstructured{Object: content}
	if obj.GetAPIVersion() == "" {
		obj.SetAPIVersion(kind.APIVersion())
	}
	if obj.GetKind() == "" {
		obj.SetKind(kind.Kind)
	}
	if obj.GetKind() != kind.Kind || obj.GetAPIVersion() != kind.APIVersion() {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("%s %s does not match the requested resource %s",
			obj.GetAPIVersion(), obj.GetKind(), kind.Resource))
	}
	return obj, nil
}

// checkTarget fills in and checks the name and namespace of a PUT body
func checkTarget(obj *unstructured.Unstructured, t target) error {
	if obj.GetName() == "" {
		obj.SetName(t.name)
	}
	if obj.GetName() != t.name {
		return apierrors.NewBadRequest(fmt.Sprintf("the name of the object (%s) does not match the name on the URL (%s)", obj.GetName(), t.name))
	}
	if ns := obj.GetNamespace(); t.kind.Namespaced && ns != "" && ns != t.namespace {
		return apierrors.NewBadRequest("the namespace of the provided object does not match the namespace sent on the request")
	}
	return nil
}

func patchType(contentType string) (storage.PatchType, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	switch mediaType {
	case ContentTypeMergePatch, ContentTypeStrategicMergePatch:
		return storage.MergePatch, nil
	case ContentTypeJSONPatch:
		return storage.JSONPatch, nil
	default:
		return "", newStatusError(http.StatusUnsupportedMediaType, metav1.StatusReasonUnsupportedMediaType,
			fmt.Sprintf("the body of the request was in an unknown format - accepted media types include: %s, %s, %s",
				ContentTypeJSONPatch, ContentTypeMergePatch, ContentTypeStrategicMergePatch))
	}
}

// restrictToStatus narrows a patch to the status field
func restrictToStatus(pt storage.PatchType, patch []byte) ([]byte, error) {
	switch pt {
	case storage.MergePatch:
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(patch, &doc); err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid merge patch: %v", err))
		}
		kept := map[string]json.RawMessage{}
		if status, ok := doc["status"]; ok {
			kept["status"] = status
		}
		return json.Marshal(kept)
	default:
		var ops []map[string]interface{}
		if err := json.Unmarshal(patch, &ops); err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid JSON patch: %v", err))
		}
		for _, op := range ops {
			path, _ := op["path"].(string)
			if path != "/status" && !strings.HasPrefix(path, "/status/") {
				return nil, apierrors.NewBadRequest(fmt.Sprintf("status patches may only modify /status, got %q", path))
			}
		}
		return patch, nil
	}
}
