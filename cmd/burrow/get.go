package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/duration"
	"sigs.k8s.io/yaml"
)

var getCmd = &cobra.Command{
	Use:   "get RESOURCE [NAME]",
	Short: "Display one or many resources",
	Long: `Display one or many resources.

Examples:
  # List pods in the default namespace
  burrow get pods

  # List deployments in every namespace
  burrow get deployments -A

  # Show one service as YAML
  burrow get service web -o yaml

  # Stream changes to configmaps
  burrow get configmaps --watch`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete RESOURCE NAME",
	Short: "Delete a resource",
	Long: `Delete a resource by name. Resources with finalizers (namespaces, for
example) are marked terminating and removed once their finalizers clear.`,
	Args: cobra.ExactArgs(2),
	RunE: runDelete,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and server versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Client: %s (commit %s, built %s)\n", Version, Commit, BuildTime)

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		info, err := c.Version(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get server version: %w", err)
		}
		fmt.Fprintf(out, "Server: %s (commit %s, built %s)\n", info.GitVersion, info.GitCommit, info.BuildDate)
		return nil
	},
}

func init() {
	getCmd.Flags().StringP("namespace", "n", "default", "Namespace to read")
	getCmd.Flags().BoolP("all-namespaces", "A", false, "List across all namespaces")
	getCmd.Flags().StringP("selector", "l", "", "Label selector, e.g. app=web,tier!=db")
	getCmd.Flags().StringP("output", "o", "", "Output format: yaml or json (default table)")
	getCmd.Flags().BoolP("watch", "w", false, "Stream changes after listing")

	deleteCmd.Flags().StringP("namespace", "n", "default", "Namespace of the resource")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(versionCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	namespace, _ := cmd.Flags().GetString("namespace")
	all, _ := cmd.Flags().GetBool("all-namespaces")
	selector, _ := cmd.Flags().GetString("selector")
	output, _ := cmd.Flags().GetString("output")
	watchFlag, _ := cmd.Flags().GetBool("watch")

	switch output {
	case "", "yaml", "json":
	default:
		return fmt.Errorf("unknown output format %q", output)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	kind, ok := c.Kinds().Resolve(args[0])
	if !ok {
		return fmt.Errorf("unknown resource type %q", args[0])
	}
	if all || !kind.Namespaced {
		namespace = ""
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 2 {
		obj, err := c.Get(ctx, kind, namespace, args[1])
		if err != nil {
			return err
		}
		return printObjects(out, kind, output, all, obj)
	}

	list, err := c.List(ctx, kind, namespace, selector)
	if err != nil {
		return err
	}
	if output != "" {
		return printDocument(out, output, list.UnstructuredContent())
	}
	items := make([]*unstructured.Unstructured, len(list.Items))
	for i := range list.Items {
		items[i] = &list.Items[i]
	}
	if len(items) == 0 && !watchFlag {
		fmt.Fprintf(out, "No %s found\n", kind.Resource)
		return nil
	}
	if err := printObjects(out, kind, output, all, items...); err != nil {
		return err
	}
	if !watchFlag {
		return nil
	}

	stream, err := c.Watch(ctx, kind, namespace, list.GetResourceVersion())
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		typ, obj, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		name := obj.GetName()
		if all {
			name = obj.GetNamespace() + "/" + name
		}
		fmt.Fprintf(out, "%-9s %s\t%s\t%s\n", typ, name, status(kind, obj), age(obj))
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	namespace, _ := cmd.Flags().GetString("namespace")

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	kind, ok := c.Kinds().Resolve(args[0])
	if !ok {
		return fmt.Errorf("unknown resource type %q", args[0])
	}

	obj, err := c.Delete(cmd.Context(), kind, namespace, args[1])
	if err != nil {
		return err
	}
	ref := describe(kind, namespace, args[1])
	if types.IsTerminating(obj) {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s terminating\n", ref)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s deleted\n", ref)
	return nil
}

func printObjects(out io.Writer, kind types.KindInfo, format string, withNamespace bool, objs ...*unstructured.Unstructured) error {
	if format != "" {
		for _, obj := range objs {
			if err := printDocument(out, format, obj.Object); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 8, 3, ' ', 0)
	if withNamespace {
		fmt.Fprint(w, "NAMESPACE\t")
	}
	fmt.Fprintln(w, "NAME\tSTATUS\tAGE")
	for _, obj := range objs {
		if withNamespace {
			fmt.Fprintf(w, "%s\t", obj.GetNamespace())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", obj.GetName(), status(kind, obj), age(obj))
	}
	return w.Flush()
}

func printDocument(out io.Writer, format string, content map[string]interface{}) error {
	if format == "json" {
		data, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	data, err := yaml.Marshal(content)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "---\n%s", data)
	return err
}

// status picks the column most useful for the kind
func status(kind types.KindInfo, obj *unstructured.Unstructured) string {
	if types.IsTerminating(obj) {
		return "Terminating"
	}
	switch kind.Resource {
	case types.ResourcePods, types.ResourceNamespaces:
		if phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase"); phase != "" {
			return phase
		}
	case types.ResourceServices:
		if ip, _, _ := unstructured.NestedString(obj.Object, "spec", "clusterIP"); ip != "" {
			return ip
		}
	case types.ResourceDeployments, types.ResourceReplicaSets:
		want, _, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
		return fmt.Sprintf("%d/%d", ready, want)
	}
	return "-"
}

func age(obj *unstructured.Unstructured) string {
	created := obj.GetCreationTimestamp()
	if created.IsZero() {
		return "<unknown>"
	}
	return duration.HumanDuration(time.Since(created.Time))
}
