package app

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "github.com/LeonardoBeccarini/treat_dispenser/grpc/dispenser"
)

// DeviceRouter risolve un dispenser id nel client gRPC del suo device-service.
type DeviceRouter interface {
	Get(id string) (pb.DispenserServiceClient, bool)
	IDs() []string
	Close()
}

// deviceRouter mantiene una connessione gRPC per ogni dispenser
type deviceRouter struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
	clis  map[string]pb.DispenserServiceClient
}

var _ DeviceRouter = (*deviceRouter)(nil)

// ParseRouteMap legge "d1=host1:50051,d2=host2:50051".
func ParseRouteMap(mapStr string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range strings.Split(mapStr, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid DEVICE_GRPC_ADDR_MAP entry: %q", p)
		}
		id, addr := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if id == "" || addr == "" {
			return nil, fmt.Errorf("invalid DEVICE_GRPC_ADDR_MAP entry: %q", p)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("duplicate dispenser %q in DEVICE_GRPC_ADDR_MAP", id)
		}
		out[id] = addr
	}
	return out, nil
}

// NewDeviceRouter crea i client; grpc.NewClient non apre connessioni finché
// non serve, quindi un device spento non blocca l'avvio del gateway.
func NewDeviceRouter(mapStr string, opts ...grpc.DialOption) (DeviceRouter, error) {
	routes, err := ParseRouteMap(mapStr)
	if err != nil {
		return nil, err
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	dr := &deviceRouter{
		conns: make(map[string]*grpc.ClientConn),
		clis:  make(map[string]pb.DispenserServiceClient),
	}
	for id, addr := range routes {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			dr.Close()
			return nil, fmt.Errorf("client %s (%s): %w", id, addr, err)
		}
		dr.conns[id] = conn
		dr.clis[id] = pb.NewDispenserServiceClient(conn)
	}
	return dr, nil
}

// NewStaticRouter usa client già pronti.
func NewStaticRouter(clis map[string]pb.DispenserServiceClient) DeviceRouter {
	dr := &deviceRouter{
		conns: map[string]*grpc.ClientConn{},
		clis:  make(map[string]pb.DispenserServiceClient, len(clis)),
	}
	for id, c := range clis {
		dr.clis[id] = c
	}
	return dr
}

func (d *deviceRouter) Get(id string) (pb.DispenserServiceClient, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cli, ok := d.clis[id]
	return cli, ok
}

func (d *deviceRouter) IDs() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.clis))
	for id := range d.clis {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (d *deviceRouter) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if c != nil {
			_ = c.Close()
		}
	}
	d.clis = map[string]pb.DispenserServiceClient{}
	d.conns = map[string]*grpc.ClientConn{}
}
