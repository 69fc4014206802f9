package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/portforward"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// DefaultServiceCIDR is the range service cluster IPs are allocated from
const DefaultServiceCIDR = "10.96.0.0/24"

// BootstrapNamespaces exist on every control plane
var BootstrapNamespaces = []string{"default", "kube-system", "kube-public"}

// Manager owns the control plane state: the store, the watch bus, the
// controllers and the port-forward dialer.
type Manager struct {
	kinds *types.Registry
	raw   *storage.BoltStore
	store *admissionStore
	bus   *events.Bus
	ips   *IPAllocator

	dialer           *portforward.PodDialer
	maxBufferedBytes int

	runners   []*reconciler.Runner
	collector *MetricsCollector
	logger    zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	DataDir string

	// Watch tunes the bus retention window and watcher queues
	Watch events.Config

	// ControllerInterval is the pause between reconciliation passes
	ControllerInterval time.Duration

	ServiceCIDR string

	DialTimeout      time.Duration
	MaxBufferedBytes int
}

// NewManager opens the store under cfg.DataDir, wires it to a new bus, seeds
// the bus with the stored high-water marks and creates the bootstrap
// namespaces.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.ServiceCIDR == "" {
		cfg.ServiceCIDR = DefaultServiceCIDR
	}
	ips, err := NewIPAllocator(cfg.ServiceCIDR)
	if err != nil {
		return nil, err
	}

	kinds := types.DefaultRegistry()
	bus := events.NewBus(cfg.Watch)

	raw, err := storage.NewBoltStore(cfg.DataDir, kinds, bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	raw.SetUpdateHook(serviceUpdate)

	rvs, err := raw.ResourceVersions()
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to read resource versions: %w", err)
	}
	for kind, rv := range rvs {
		bus.Seed(kind, rv)
	}

	m := &Manager{
		kinds:            kinds,
		raw:              raw,
		store:            newAdmissionStore(raw, ips),
		bus:              bus,
		ips:              ips,
		dialer:           portforward.NewPodDialer(raw).WithTimeout(cfg.DialTimeout),
		maxBufferedBytes: cfg.MaxBufferedBytes,
		logger:           log.WithComponent("manager"),
	}

	ctx := context.Background()
	if err := m.restoreClusterIPs(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	if err := m.bootstrap(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	for _, c := range []reconciler.Controller{
		reconciler.NewEndpointsController(m.store),
		reconciler.NewNamespaceController(m.store, kinds),
		reconciler.NewReplicaSetController(m.store),
		reconciler.NewDeploymentController(m.store),
	} {
		m.runners = append(m.runners, reconciler.NewRunner(c, cfg.ControllerInterval))
	}
	m.collector = NewMetricsCollector(m)

	m.logger.Info().Str("data_dir", cfg.DataDir).Str("service_cidr", cfg.ServiceCIDR).Msg("Manager initialized")
	return m, nil
}

// restoreClusterIPs rebuilds the allocator from stored services
func (m *Manager) restoreClusterIPs(ctx context.Context) error {
	services, err := m.raw.List(ctx, types.ResourceServices, "")
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	for i := range services.Items {
		svc := &services.Items[i]
		ip, _, _ := unstructured.NestedString(svc.Object, "spec", "clusterIP")
		if ip == "" || ip == ClusterIPNone {
			continue
		}
		if err := m.ips.Reserve(ip); err != nil {
			m.logger.Warn().Err(err).Str("namespace", svc.GetNamespace()).Str("name", svc.GetName()).Msg("Failed to restore cluster IP")
		}
	}
	return nil
}

func (m *Manager) bootstrap(ctx context.Context) error {
	for _, name := range BootstrapNamespaces {
		ns := &unstructured.Unstructured{}
		ns.SetAPIVersion("v1")
		ns.SetKind("Namespace")
		ns.SetName(name)
		if _, err := m.store.Create(ctx, types.ResourceNamespaces, "", ns); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create namespace %s: %w", name, err)
		}
	}
	return nil
}

// Store returns the store with built-in defaults applied
func (m *Manager) Store() storage.Store {
	return m.store
}

// Bus returns the watch bus
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Kinds returns the served kinds
func (m *Manager) Kinds() *types.Registry {
	return m.kinds
}

// Dialer returns the port-forward backend dialer
func (m *Manager) Dialer() portforward.Dialer {
	return m.dialer
}

// SessionConfig returns the configuration for new port-forward sessions
func (m *Manager) SessionConfig() portforward.Config {
	return portforward.Config{MaxBufferedBytes: m.maxBufferedBytes}
}

// Run blocks running every controller and the metrics collector until ctx
// is cancelled or a controller fails to start.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range m.runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	g.Go(func() error {
		return m.collector.Run(gctx)
	})

	metrics.UpdateComponent(metrics.ComponentControllers, true, "")
	m.logger.Info().Int("controllers", len(m.runners)).Msg("Controllers started")

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		metrics.UpdateComponent(metrics.ComponentControllers, false, err.Error())
		return err
	}
	return nil
}

// Shutdown ends every open watch and closes the store
func (m *Manager) Shutdown() error {
	m.logger.Info().Msg("Shutting down manager")
	m.bus.Close()
	metrics.UpdateComponent(metrics.ComponentStore, false, "closed")
	if err := m.raw.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
