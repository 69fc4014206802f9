package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/portforward"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	// DefaultForwardPort is used when a pod declares no container ports
	DefaultForwardPort = 80

	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
	writeWait  = 10 * time.Second
)

// handlePortForward answers the protocol probe (POST) and upgrades GET
// requests to a websocket port-forward session.
func (s *Server) handlePortForward(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := s.kinds.LookupGroup(vars["group"], vars["version"], types.ResourcePods); !ok {
		writeError(w, newStatusError(http.StatusNotFound, metav1.StatusReasonNotFound, "the server could not find the requested resource"))
		return
	}
	namespace, name := vars["namespace"], vars["name"]

	pod, err := s.store.Get(r.Context(), types.ResourcePods, namespace, name)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.Method == http.MethodPost {
		w.Header().Set("X-Stream-Protocol-Version", PortForwardProtocol)
		w.WriteHeader(http.StatusOK)
		return
	}

	if phase := types.PodPhase(pod); phase != types.PodRunning {
		writeError(w, apierrors.NewConflict(schema.GroupResource{Resource: types.ResourcePods}, name,
			fmt.Errorf("cannot forward ports of a pod in phase %q", phase)))
		return
	}
	mappings, err := parsePorts(r.URL.Query()["ports"], pod)
	if err != nil {
		writeError(w, apierrors.NewBadRequest(err.Error()))
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, apierrors.NewBadRequest("port-forward requires a websocket upgrade"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	transport := newWSTransport(conn)
	session, err := portforward.NewSession(transport, s.mgr.Dialer(), namespace, name, mappings, s.mgr.SessionConfig())
	if err != nil {
		transport.Close()
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	go transport.keepalive(ctx)

	if err := session.Run(ctx); err != nil {
		s.logger.Warn().Err(err).Str("namespace", namespace).Str("pod", name).Msg("Port-forward session failed")
	}
}

// parsePorts reads "local:remote" or "remote" specs, comma separated or
// repeated. Without any, the pod's first container port is forwarded.
func parsePorts(specs []string, pod *unstructured.Unstructured) ([]portforward.PortMapping, error) {
	var mappings []portforward.PortMapping
	for _, spec := range specs {
		for _, part := range strings.Split(spec, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			m, err := parsePortMapping(part)
			if err != nil {
				return nil, err
			}
			mappings = append(mappings, m)
		}
	}
	if len(mappings) == 0 {
		port := defaultPort(pod)
		mappings = append(mappings, portforward.PortMapping{Local: port, Remote: port})
	}
	if len(mappings) > portforward.MaxPorts {
		return nil, fmt.Errorf("at most %d ports can be forwarded, got %d", portforward.MaxPorts, len(mappings))
	}
	return mappings, nil
}

func parsePortMapping(spec string) (portforward.PortMapping, error) {
	local, remote, found := strings.Cut(spec, ":")
	if !found {
		remote = local
	}
	r, err := parsePort(remote)
	if err != nil {
		return portforward.PortMapping{}, fmt.Errorf("invalid port %q: %v", spec, err)
	}
	l := r
	if local != "" {
		if l, err = parsePort(local); err != nil {
			return portforward.PortMapping{}, fmt.Errorf("invalid port %q: %v", spec, err)
		}
	}
	return portforward.PortMapping{Local: l, Remote: r}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("port must be between 1 and 65535")
	}
	return uint16(n), nil
}

func defaultPort(pod *unstructured.Unstructured) uint16 {
	containers, _, _ := unstructured.NestedSlice(pod.Object, "spec", "containers")
	for _, c := range containers {
		container, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		ports, _, _ := unstructured.NestedSlice(container, "ports")
		for _, p := range ports {
			port, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if n, ok, _ := unstructured.NestedInt64(port, "containerPort"); ok && n > 0 && n <= 65535 {
				return uint16(n)
			}
		}
	}
	return DefaultForwardPort
}

// wsTransport adapts a websocket connection to the session transport.
// Frames travel as binary messages.
type wsTransport struct {
	conn *websocket.Conn
	once sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// keepalive pings the client until ctx ends
func (t *wsTransport) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
