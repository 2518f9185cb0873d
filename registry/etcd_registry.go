package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the etcd key prefix for announcements:
//
//	Key:   {prefix}/{service}/{escaped addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease kept alive in the background, so a
// crashed gateway disappears once its lease expires.
const DefaultPrefix = "/amf-rpc"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // by key
}

type EtcdOption func(*EtcdRegistry)

// WithPrefix sets the key prefix; the default is DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) {
		if prefix != "" {
			r.prefix = strings.TrimSuffix(prefix, "/")
		}
	}
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	r := &EtcdRegistry{client: c, prefix: DefaultPrefix, leases: make(map[string]clientv3.LeaseID)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + "/" + serviceName + "/"
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.servicePrefix(serviceName) + url.QueryEscape(addr)
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close. Each key gets its own lease, so one
// EtcdRegistry can announce many services concurrently. Registering the same
// key again replaces its lease.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	key := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return err
	}

	// the keepalive must outlive the registering request; the channel closes
	// once the lease is revoked
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		r.client.Revoke(context.WithoutCancel(ctx), lease.ID)
		return err
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	old, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced && old != lease.ID {
		// the key already moved to the new lease, so this only stops renewal
		r.client.Revoke(ctx, old)
	}
	return nil
}

// Deregister removes an instance and revokes the lease it was announced
// under. Gateways call it before shutting down.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := r.client.Revoke(ctx, id)
	return err
}

// Discover returns the instances currently announced for serviceName.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the instance list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops lease renewal and closes the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
