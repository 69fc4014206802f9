package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utiljson "k8s.io/apimachinery/pkg/util/json"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply resources from a YAML file",
	Long: `Create or update resources from a YAML file. Documents are separated
by "---"; each one is created, or replaced when it already exists.

Examples:
  # Apply a deployment
  burrow apply -f deployment.yaml

  # Apply several resources at once
  burrow apply -f stack.yaml -n staging`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply, or - for stdin (required)")
	applyCmd.Flags().StringP("namespace", "n", "default", "Namespace for documents that do not set one")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	namespace, _ := cmd.Flags().GetString("namespace")

	var data []byte
	var err error
	if filename == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(filename)
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	docs, err := decodeManifests(data)
	if err != nil {
		return err
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	for _, obj := range docs {
		if err := applyObject(cmd.Context(), cmd.OutOrStdout(), c, obj, namespace); err != nil {
			return err
		}
	}
	return nil
}

// decodeManifests splits a multi-document YAML stream into objects.
// Empty documents are skipped.
func decodeManifests(data []byte) ([]*unstructured.Unstructured, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var objs []*unstructured.Unstructured
	for i := 0; ; i++ {
		var doc interface{}
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse document %d: %w", i, err)
		}
		if doc == nil {
			continue
		}

		// Round-trip through JSON so numbers come out as int64 and float64
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		var content map[string]interface{}
		if err := utiljson.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("document %d is not an object", i)
		}
		obj := &unstructured.Unstructured{Object: content}
		if obj.GetKind() == "" || obj.GetAPIVersion() == "" {
			return nil, fmt.Errorf("document %d: apiVersion and kind are required", i)
		}
		if obj.GetName() == "" {
			return nil, fmt.Errorf("document %d: metadata.name is required", i)
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func applyObject(ctx context.Context, out io.Writer, c *client.Client, obj *unstructured.Unstructured, namespace string) error {
	kind, ok := c.Kinds().ForKind(obj.GetKind())
	if !ok || kind.APIVersion() != obj.GetAPIVersion() {
		return fmt.Errorf("unsupported resource: %s %s", obj.GetAPIVersion(), obj.GetKind())
	}
	if kind.Namespaced && obj.GetNamespace() == "" {
		obj.SetNamespace(namespace)
	}
	ref := describe(kind, obj.GetNamespace(), obj.GetName())

	_, err := c.Create(ctx, kind, obj.GetNamespace(), obj)
	if err == nil {
		fmt.Fprintf(out, "✓ %s created\n", ref)
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create %s: %w", ref, err)
	}

	if _, err := c.Update(ctx, kind, obj.GetNamespace(), obj); err != nil {
		return fmt.Errorf("failed to update %s: %w", ref, err)
	}
	fmt.Fprintf(out, "✓ %s configured\n", ref)
	return nil
}

func describe(kind types.KindInfo, namespace, name string) string {
	if kind.Namespaced {
		return fmt.Sprintf("%s %s/%s", kind.Resource, namespace, name)
	}
	return fmt.Sprintf("%s %s", kind.Resource, name)
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
