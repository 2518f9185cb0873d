// Package registry announces AMF gateways and discovers them by service name.
//
// A gateway registers one ServiceInstance per service it hosts; clients look
// up the instances hosting a service and pick one with a load balancer.
package registry

import "context"

// ServiceInstance is one gateway hosting a service.
type ServiceInstance struct {
	Addr    string `json:"addr"` // channel URL, e.g. "http://10.0.0.5:8080/amf"
	Weight  int    `json:"weight"`
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
