package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/apimachinery/pkg/watch"
)

// DefaultTimeout bounds every request except watches
const DefaultTimeout = 30 * time.Second

// Client talks to the burrow HTTP API
type Client struct {
	base  *url.URL
	http  *http.Client
	kinds *types.Registry
}

// NewClient creates a client for the server at addr ("host:port" or a URL)
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: missing host", addr)
	}

	return &Client{
		base:  base,
		http:  &http.Client{},
		kinds: types.DefaultRegistry(),
	}, nil
}

// Kinds returns the kinds the client can address
func (c *Client) Kinds() *types.Registry {
	return c.kinds
}

// Create stores obj under namespace
func (c *Client) Create(ctx context.Context, kind types.KindInfo, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return c.object(ctx, http.MethodPost, c.path(kind, namespace, ""), "application/json", obj.Object)
}

// Get fetches one resource
func (c *Client) Get(ctx context.Context, kind types.KindInfo, namespace, name string) (*unstructured.Unstructured, error) {
	return c.object(ctx, http.MethodGet, c.path(kind, namespace, name), "", nil)
}

// List fetches a collection. An empty namespace lists across namespaces.
func (c *Client) List(ctx context.Context, kind types.KindInfo, namespace, labelSelector string) (*unstructured.UnstructuredList, error) {
	path := c.path(kind, namespace, "")
	if labelSelector != "" {
		path += "?labelSelector=" + url.QueryEscape(labelSelector)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	list := &unstructured.UnstructuredList{}
	if err := list.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return list, nil
}

// Update replaces a resource. A resourceVersion on obj makes it conditional.
func (c *Client) Update(ctx context.Context, kind types.KindInfo, namespace string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return c.object(ctx, http.MethodPut, c.path(kind, namespace, obj.GetName()), "application/json", obj.Object)
}

// Patch applies a merge patch
func (c *Client) Patch(ctx context.Context, kind types.KindInfo, namespace, name string, patch []byte) (*unstructured.Unstructured, error) {
	return c.object(ctx, http.MethodPatch, c.path(kind, namespace, name), "application/merge-patch+json", json.RawMessage(patch))
}

// Delete removes a resource, or marks it terminating if it has finalizers
func (c *Client) Delete(ctx context.Context, kind types.KindInfo, namespace, name string) (*unstructured.Unstructured, error) {
	return c.object(ctx, http.MethodDelete, c.path(kind, namespace, name), "", nil)
}

// Version returns the server's build information
func (c *Client) Version(ctx context.Context) (*version.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	data, err := c.do(ctx, http.MethodGet, "/version", "", nil)
	if err != nil {
		return nil, err
	}
	var info version.Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode version: %w", err)
	}
	return &info, nil
}

// Watch opens a watch on a collection after resourceVersion. An empty
// resourceVersion starts with the current objects as ADDED events.
func (c *Client) Watch(ctx context.Context, kind types.KindInfo, namespace, resourceVersion string) (*WatchStream, error) {
	query := url.Values{"watch": {"true"}}
	if resourceVersion != "" {
		query.Set("resourceVersion", resourceVersion)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.path(kind, namespace, "")+"?"+query.Encode()), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, decodeError(resp.StatusCode, data)
	}
	return &WatchStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// WatchStream reads events from an open watch
type WatchStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next blocks for the next event. It returns io.EOF when the server ends
// the stream, and the carried Status error for ERROR events.
func (w *WatchStream) Next() (watch.EventType, *unstructured.Unstructured, error) {
	if !w.scanner.Scan() {
		if err := w.scanner.Err(); err != nil {
			return "", nil, err
		}
		return "", nil, io.EOF
	}

	var ev struct {
		Type   watch.EventType `json:"type"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(w.scanner.Bytes(), &ev); err != nil {
		return "", nil, fmt.Errorf("failed to decode watch event: %w", err)
	}
	if ev.Type == watch.Error {
		var status metav1.Status
		if err := json.Unmarshal(ev.Object, &status); err != nil {
			return "", nil, fmt.Errorf("failed to decode watch error: %w", err)
		}
		return ev.Type, nil, &apierrors.StatusError{ErrStatus: status}
	}

	var content map[string]interface{}
	if err := utiljson.Unmarshal(ev.Object, &content); err != nil {
		return "", nil, fmt.Errorf("failed to decode watch object: %w", err)
	}
	return ev.Type, &unstructured.Unstructured{Object: content}, nil
}

// Close ends the watch
func (w *WatchStream) Close() error {
	return w.body.Close()
}

func (c *Client) path(kind types.KindInfo, namespace, name string) string {
	var b strings.Builder
	if kind.Group == "" {
		b.WriteString("/api/" + kind.Version)
	} else {
		b.WriteString("/apis/" + kind.Group + "/" + kind.Version)
	}
	if kind.Namespaced && namespace != "" {
		b.WriteString("/namespaces/" + url.PathEscape(namespace))
	}
	b.WriteString("/" + kind.Resource)
	if name != "" {
		b.WriteString("/" + url.PathEscape(name))
	}
	return b.String()
}

func (c *Client) url(path string) string {
	return strings.TrimSuffix(c.base.String(), "/") + path
}

func (c *Client) object(ctx context.Context, method, path, contentType string, body interface{}) (*unstructured.Unstructured, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	data, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return nil, err
	}
	var content map[string]interface{}
	if err := utiljson.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &unstructured.Unstructured{Object: content}, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeError turns an error response into a StatusError, so callers can
// use the apierrors predicates.
func decodeError(code int, data []byte) error {
	var status metav1.Status
	if err := json.Unmarshal(data, &status); err != nil || status.Kind != "Status" {
		return apierrors.NewGenericServerResponse(code, "", schema.GroupResource{}, "", strings.TrimSpace(string(data)), 0, false)
	}
	if status.Code == 0 {
		status.Code = int32(code)
	}
	return &apierrors.StatusError{ErrStatus: status}
}
