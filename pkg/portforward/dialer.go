package portforward

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// DefaultDialTimeout bounds each backend connection attempt
const DefaultDialTimeout = 5 * time.Second

// PodGetter reads pod documents
type PodGetter interface {
	Get(ctx context.Context, kind, namespace, name string) (*unstructured.Unstructured, error)
}

// PodDialer connects to pods through the IP recorded in their status
type PodDialer struct {
	pods PodGetter

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewPodDialer creates a dialer that resolves pods through pods
func NewPodDialer(pods PodGetter) *PodDialer {
	return &PodDialer{
		pods:    pods,
		Timeout: DefaultDialTimeout,
	}
}

// WithTimeout sets the connection timeout
func (d *PodDialer) WithTimeout(timeout time.Duration) *PodDialer {
	if timeout > 0 {
		d.Timeout = timeout
	}
	return d
}

// DialPod implements Dialer. The pod must exist, be Running and have a
// podIP. Every failure wraps types.ErrBackendUnavailable.
func (d *PodDialer) DialPod(ctx context.Context, namespace, pod string, port uint16) (net.Conn, error) {
	obj, err := d.pods.Get(ctx, types.ResourcePods, namespace, pod)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
	}
	if phase := types.PodPhase(obj); phase != types.PodRunning {
		return nil, fmt.Errorf("%w: pod %s/%s is %s", types.ErrBackendUnavailable, namespace, pod, phaseOrUnknown(phase))
	}
	ip := types.PodIP(obj)
	if ip == "" {
		return nil, fmt.Errorf("%w: pod %s/%s has no IP", types.ErrBackendUnavailable, namespace, pod)
	}

	address := net.JoinHostPort(ip, strconv.Itoa(int(port)))
	dialer := &net.Dialer{
		Timeout: d.Timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: connection to %s failed: %v", types.ErrBackendUnavailable, address, err)
	}
	return conn, nil
}

func phaseOrUnknown(phase string) string {
	if phase == "" {
		return "Unknown"
	}
	return phase
}
