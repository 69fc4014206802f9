package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	apitypes "k8s.io/apimachinery/pkg/types"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/apimachinery/pkg/watch"
)

var (
	// Bucket holding per-kind resourceVersion counters
	bucketMetadata = []byte("_metadata")

	rvKeyPrefix = "rv/"
)

// BoltStore implements Store using BoltDB. Each kind has its own bucket
// keyed by "namespace/name"; values are the JSON documents.
type BoltStore struct {
	db     *bolt.DB
	kinds  *types.Registry
	sink   EventSink
	hook   UpdateHook
	now    func() time.Time
	logger zerolog.Logger
}

// UpdateHook inspects a replacement inside the write transaction, before
// server-owned fields are restored. It may adjust next or reject the write.
type UpdateHook func(kind string, current, next *unstructured.Unstructured) error

// SetUpdateHook installs fn for every Update and Patch. It must be called
// before the store is shared.
func (s *BoltStore) SetUpdateHook(fn UpdateHook) {
	s.hook = fn
}

// NewBoltStore opens (or creates) the database under dataDir. sink may be
// nil, in which case no events are published.
func NewBoltStore(dataDir string, kinds *types.Registry, sink EventSink) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMetadata); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMetadata, err)
		}
		for _, k := range kinds.All() {
			if _, err := tx.CreateBucketIfNotExists([]byte(k.Resource)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", k.Resource, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:     db,
		kinds:  kinds,
		sink:   sink,
		now:    time.Now,
		logger: log.WithComponent("store"),
	}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create stores a new resource
func (s *BoltStore) Create(ctx context.Context, kind, namespace string, obj *unstructured.Unstructured) (result *unstructured.Unstructured, err error) {
	defer func() { observe(kind, "create", err) }()

	info, err := s.prepare(ctx, kind, &namespace)
	if err != nil {
		return nil, err
	}

	obj = obj.DeepCopy()
	if err := s.admitNew(info, namespace, obj); err != nil {
		return nil, err
	}
	name := obj.GetName()
	key := objectKey(namespace, name)

	var events []types.Event
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(info.Resource))
		if info.Namespaced {
			if err := s.checkNamespace(tx, info, namespace, name); err != nil {
				return err
			}
		}

		if data := b.Get(key); data != nil {
			existing, err := decode(data)
			if err != nil {
				return err
			}
			if !types.IsTerminating(existing) || info.TerminatingHoldsName {
				return types.NewAlreadyExists(info, name)
			}

			// The name is released: purge the terminating object first
			rv, err := nextResourceVersion(tx, info.Resource)
			if err != nil {
				return err
			}
			existing.SetResourceVersion(types.FormatResourceVersion(rv))
			if err := b.Delete(key); err != nil {
				return err
			}
			events = append(events, types.Event{Kind: info.Resource, Type: watch.Deleted, Object: existing, ResourceVersion: rv})
		}

		rv, err := nextResourceVersion(tx, info.Resource)
		if err != nil {
			return err
		}
		obj.SetResourceVersion(types.FormatResourceVersion(rv))
		data, err := obj.MarshalJSON()
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		events = append(events, types.Event{Kind: info.Resource, Type: watch.Added, Object: obj.DeepCopy(), ResourceVersion: rv})
		s.publishOnCommit(tx, events)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("kind", info.Resource).Str("namespace", namespace).Str("name", name).
		Str("resource_version", obj.GetResourceVersion()).Msg("Created resource")
	return obj, nil
}

// Get returns a single resource, including terminating ones
func (s *BoltStore) Get(ctx context.Context, kind, namespace, name string) (*unstructured.Unstructured, error) {
	info, err := s.prepare(ctx, kind, &namespace)
	if err != nil {
		return nil, err
	}

	var obj *unstructured.Unstructured
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(info.Resource)).Get(objectKey(namespace, name))
		if data == nil {
			return types.NewNotFound(info, name)
		}
		obj, err = decode(data)
		return err
	})
	return obj, err
}

// List returns the resources of a kind, optionally scoped to a namespace
func (s *BoltStore) List(ctx context.Context, kind, namespace string) (*unstructured.UnstructuredList, error) {
	info, err := s.prepare(ctx, kind, &namespace)
	if err != nil {
		return nil, err
	}

	list := &unstructured.UnstructuredList{Object: map[string]interface{}{
		"apiVersion": info.APIVersion(),
		"kind":       info.ListKind(),
	}}

	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(info.Resource)).Cursor()
		prefix := []byte(namespace + "/")

		var k, v []byte
		if namespace != "" {
			k, v = c.Seek(prefix)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if namespace != "" && !bytes.HasPrefix(k, prefix) {
				break
			}
			obj, err := decode(v)
			if err != nil {
				return err
			}
			list.Items = append(list.Items, *obj)
		}

		list.SetResourceVersion(types.FormatResourceVersion(currentResourceVersion(tx, info.Resource)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(list.Items, func(i, j int) bool {
		return types.ResourceVersionOf(&list.Items[i]) < types.ResourceVersionOf(&list.Items[j])
	})
	return list, nil
}

// Update replaces a resource wholesale. A non-empty resourceVersion on obj
// must match the stored one.
func (s *BoltStore) Update(ctx context.Context, kind, namespace, name string, obj *unstructured.Unstructured) (result *unstructured.Unstructured, err error) {
	defer func() { observe(kind, "update", err) }()

	return s.guaranteedUpdate(ctx, kind, namespace, name, func(_ *unstructured.Unstructured) (*unstructured.Unstructured, error) {
		return obj.DeepCopy(), nil
	})
}

// Patch applies a merge or JSON patch to the stored document and then
// proceeds as Update.
func (s *BoltStore) Patch(ctx context.Context, kind, namespace, name string, pt PatchType, patch []byte) (result *unstructured.Unstructured, err error) {
	defer func() { observe(kind, "patch", err) }()

	return s.guaranteedUpdate(ctx, kind, namespace, name, func(current *unstructured.Unstructured) (*unstructured.Unstructured, error) {
		original, err := current.MarshalJSON()
		if err != nil {
			return nil, err
		}
		patched, err := applyPatch(pt, original, patch)
		if err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid patch: %v", err))
		}
		return decode(patched)
	})
}

// Delete removes a resource, or marks it terminating when its kind has
// finalizer semantics and finalizers are present.
func (s *BoltStore) Delete(ctx context.Context, kind, namespace, name string, pre *metav1.Preconditions) (result *unstructured.Unstructured, err error) {
	defer func() { observe(kind, "delete", err) }()

	info, err := s.prepare(ctx, kind, &namespace)
	if err != nil {
		return nil, err
	}
	key := objectKey(namespace, name)

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(info.Resource))
		data := b.Get(key)
		if data == nil {
			return types.NewNotFound(info, name)
		}
		current, err := decode(data)
		if err != nil {
			return err
		}
		if err := checkPreconditions(info, current, pre); err != nil {
			return err
		}

		if info.GracefulDelete && len(current.GetFinalizers()) > 0 {
			if types.IsTerminating(current) {
				result = current
				return nil
			}

			rv, err := nextResourceVersion(tx, info.Resource)
			if err != nil {
				return err
			}
			now := metav1.NewTime(s.now())
			current.SetDeletionTimestamp(&now)
			current.SetResourceVersion(types.FormatResourceVersion(rv))
			data, err := current.MarshalJSON()
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			result = current
			s.publishOnCommit(tx, []types.Event{{Kind: info.Resource, Type: watch.Modified, Object: current.DeepCopy(), ResourceVersion: rv}})
			return nil
		}

		rv, err := nextResourceVersion(tx, info.Resource)
		if err != nil {
			return err
		}
		current.SetResourceVersion(types.FormatResourceVersion(rv))
		if err := b.Delete(key); err != nil {
			return err
		}
		result = current
		s.publishOnCommit(tx, []types.Event{{Kind: info.Resource, Type: watch.Deleted, Object: current.DeepCopy(), ResourceVersion: rv}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("kind", info.Resource).Str("namespace", namespace).Str("name", name).
		Bool("terminating", types.IsTerminating(result)).Msg("Deleted resource")
	return result, nil
}

// ResourceVersions returns the high-water mark of every registered kind
func (s *BoltStore) ResourceVersions() (map[string]int64, error) {
	rvs := make(map[string]int64)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, k := range s.kinds.All() {
			rvs[k.Resource] = currentResourceVersion(tx, k.Resource)
		}
		return nil
	})
	return rvs, err
}

// guaranteedUpdate runs the read-modify-write cycle shared by Update and
// Patch inside one read-write transaction, so the version check and the
// increment are atomic.
func (s *BoltStore) guaranteedUpdate(ctx context.Context, kind, namespace, name string, mutate func(current *unstructured.Unstructured) (*unstructured.Unstructured, error)) (*unstructured.Unstructured, error) {
	info, err := s.prepare(ctx, kind, &namespace)
	if err != nil {
		return nil, err
	}
	key := objectKey(namespace, name)

	var result *unstructured.Unstructured
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(info.Resource))
		data := b.Get(key)
		if data == nil {
			return types.NewNotFound(info, name)
		}
		current, err := decode(data)
		if err != nil {
			return err
		}

		next, err := mutate(current.DeepCopy())
		if err != nil {
			return err
		}
		if want := next.GetResourceVersion(); want != "" && want != current.GetResourceVersion() {
			return types.NewConflict(info, name, current.GetResourceVersion(), want)
		}
		if n := next.GetName(); n != "" && n != name {
			return apierrors.NewBadRequest(fmt.Sprintf("metadata.name %q does not match %q", n, name))
		}
		if err := checkIdentity(info, next); err != nil {
			return err
		}
		if s.hook != nil {
			if err := s.hook(info.Resource, current, next); err != nil {
				return err
			}
		}

		// Server-owned fields survive replacement
		next.SetName(name)
		next.SetNamespace(namespace)
		next.SetAPIVersion(info.APIVersion())
		next.SetKind(info.Kind)
		next.SetUID(current.GetUID())
		next.SetCreationTimestamp(current.GetCreationTimestamp())
		next.SetDeletionTimestamp(current.GetDeletionTimestamp())
		next.SetGeneration(current.GetGeneration())
		if !equality.Semantic.DeepEqual(current.Object["spec"], next.Object["spec"]) {
			next.SetGeneration(current.GetGeneration() + 1)
		}

		rv, err := nextResourceVersion(tx, info.Resource)
		if err != nil {
			return err
		}
		next.SetResourceVersion(types.FormatResourceVersion(rv))

		// A terminating object whose last finalizer was removed goes away
		if types.IsTerminating(next) && len(next.GetFinalizers()) == 0 {
			if err := b.Delete(key); err != nil {
				return err
			}
			result = next
			s.publishOnCommit(tx, []types.Event{{Kind: info.Resource, Type: watch.Deleted, Object: next.DeepCopy(), ResourceVersion: rv}})
			return nil
		}

		data, err = next.MarshalJSON()
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		result = next
		s.publishOnCommit(tx, []types.Event{{Kind: info.Resource, Type: watch.Modified, Object: next.DeepCopy(), ResourceVersion: rv}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// prepare resolves the kind, normalises the namespace for cluster-scoped
// kinds and honours an already-cancelled context.
func (s *BoltStore) prepare(ctx context.Context, kind string, namespace *string) (types.KindInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.KindInfo{}, err
	}
	info, ok := s.kinds.Lookup(kind)
	if !ok {
		return types.KindInfo{}, apierrors.NewBadRequest(fmt.Sprintf("unknown resource %q", kind))
	}
	if !info.Namespaced {
		*namespace = ""
	}
	return info, nil
}

// admitNew validates a new object and stamps the server-owned fields
func (s *BoltStore) admitNew(info types.KindInfo, namespace string, obj *unstructured.Unstructured) error {
	if obj.GetName() == "" && obj.GetGenerateName() != "" {
		obj.SetName(obj.GetGenerateName() + utilrand.String(5))
	}
	name := obj.GetName()
	if name == "" {
		return apierrors.NewInvalid(info.GroupVersionKind().GroupKind(), name, field.ErrorList{
			field.Required(field.NewPath("metadata", "name"), "name or generateName is required"),
		})
	}
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return apierrors.NewInvalid(info.GroupVersionKind().GroupKind(), name, field.ErrorList{
			field.Invalid(field.NewPath("metadata", "name"), name, strings.Join(errs, "; ")),
		})
	}
	if info.Namespaced {
		if namespace == "" {
			return apierrors.NewBadRequest("namespace is required for " + info.Resource)
		}
		if ns := obj.GetNamespace(); ns != "" && ns != namespace {
			return apierrors.NewBadRequest(fmt.Sprintf("metadata.namespace %q does not match %q", ns, namespace))
		}
	}
	if err := checkIdentity(info, obj); err != nil {
		return err
	}

	obj.SetNamespace(namespace)
	obj.SetAPIVersion(info.APIVersion())
	obj.SetKind(info.Kind)
	obj.SetUID(apitypes.UID(uuid.NewString()))
	obj.SetCreationTimestamp(metav1.NewTime(s.now()))
	obj.SetDeletionTimestamp(nil)
	obj.SetGeneration(1)
	obj.SetResourceVersion("")
	return nil
}

// checkNamespace rejects creation into missing or terminating namespaces
func (s *BoltStore) checkNamespace(tx *bolt.Tx, info types.KindInfo, namespace, name string) error {
	nsInfo, ok := s.kinds.Lookup(types.ResourceNamespaces)
	if !ok {
		return nil
	}
	data := tx.Bucket([]byte(nsInfo.Resource)).Get(objectKey("", namespace))
	if data == nil {
		return types.NewNotFound(nsInfo, namespace)
	}
	ns, err := decode(data)
	if err != nil {
		return err
	}
	if types.IsTerminating(ns) {
		return apierrors.NewForbidden(info.GroupResource(), name,
			fmt.Errorf("namespace %s is being terminated", namespace))
	}
	return nil
}

// checkIdentity rejects documents that claim a different kind
func checkIdentity(info types.KindInfo, obj *unstructured.Unstructured) error {
	if k := obj.GetKind(); k != "" && k != info.Kind {
		return apierrors.NewBadRequest(fmt.Sprintf("kind %q does not match %q", k, info.Kind))
	}
	if v := obj.GetAPIVersion(); v != "" && v != info.APIVersion() {
		return apierrors.NewBadRequest(fmt.Sprintf("apiVersion %q does not match %q", v, info.APIVersion()))
	}
	return nil
}

func checkPreconditions(info types.KindInfo, current *unstructured.Unstructured, pre *metav1.Preconditions) error {
	if pre == nil {
		return nil
	}
	if pre.ResourceVersion != nil && *pre.ResourceVersion != current.GetResourceVersion() {
		return types.NewConflict(info, current.GetName(), current.GetResourceVersion(), *pre.ResourceVersion)
	}
	if pre.UID != nil && *pre.UID != current.GetUID() {
		return apierrors.NewConflict(info.GroupResource(), current.GetName(),
			fmt.Errorf("precondition failed: uid in precondition %s, uid in object %s", *pre.UID, current.GetUID()))
	}
	return nil
}

// publishOnCommit hands events to the sink once the transaction is durable
func (s *BoltStore) publishOnCommit(tx *bolt.Tx, events []types.Event) {
	if s.sink == nil || len(events) == 0 {
		return
	}
	tx.OnCommit(func() {
		for _, ev := range events {
			s.sink.Publish(ev)
		}
	})
}

func applyPatch(pt PatchType, original, patch []byte) ([]byte, error) {
	switch pt {
	case MergePatch:
		return jsonpatch.MergePatch(original, patch)
	case JSONPatch:
		ops, err := jsonpatch.DecodePatch(patch)
		if err != nil {
			return nil, err
		}
		return ops.Apply(original)
	default:
		return nil, fmt.Errorf("unsupported patch type %q", pt)
	}
}

// nextResourceVersion increments and returns the kind's counter. It must be
// called inside a read-write transaction.
func nextResourceVersion(tx *bolt.Tx, resource string) (int64, error) {
	rv := currentResourceVersion(tx, resource) + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(rv))
	if err := tx.Bucket(bucketMetadata).Put([]byte(rvKeyPrefix+resource), buf); err != nil {
		return 0, fmt.Errorf("failed to store resourceVersion: %w", err)
	}
	return rv, nil
}

func currentResourceVersion(tx *bolt.Tx, resource string) int64 {
	v := tx.Bucket(bucketMetadata).Get([]byte(rvKeyPrefix + resource))
	if v == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func objectKey(namespace, name string) []byte {
	return []byte(namespace + "/" + name)
}

// decode parses a stored document. Whole numbers come back as int64 so the
// unstructured Nested* accessors work on them.
func decode(data []byte) (*unstructured.Unstructured, error) {
	var m map[string]interface{}
	if err := utiljson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	if m == nil {
		return nil, apierrors.NewBadRequest("document must be a JSON object")
	}
	return &unstructured.Unstructured{Object: m}, nil
}

func observe(kind, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperationsTotal.WithLabelValues(kind, op, result).Inc()
}
