// etcd-backed Registry.
//
// Keys are /dirmi/{name}/{addr}, values JSON-encoded Endpoints.
// Registration uses TTL leases with background keepalive: if the process
// dies, the lease expires and the entry disappears on its own, so stale
// endpoints never accumulate.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/dirmi/"

// EtcdRegistry implements Registry over etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: logger}, nil
}

// Register advertises ep under name with a TTL lease, renewed in the
// background until Deregister or process death.
func (r *EtcdRegistry) Register(name string, ep Endpoint, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+name+"/"+ep.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain keepalive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.log.Debug("registry keepalive ended", zap.String("name", name), zap.String("addr", ep.Addr))
	}()
	return nil
}

// Deregister withdraws one endpoint.
func (r *EtcdRegistry) Deregister(name string, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+name+"/"+addr)
	return err
}

// Discover returns every live endpoint advertised under name.
func (r *EtcdRegistry) Discover(name string) ([]Endpoint, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch re-reads and emits the endpoint list on every change under name.
func (r *EtcdRegistry) Watch(name string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		watchChan := r.client.Watch(context.TODO(), keyPrefix+name+"/", clientv3.WithPrefix())
		for range watchChan {
			endpoints, err := r.Discover(name)
			if err != nil {
				continue
			}
			ch <- endpoints
		}
	}()
	return ch
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
