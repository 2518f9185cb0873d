// Package loadbalance picks the gateway instance a client call goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity gateways
//   - WeightedRandom:  gateways of different capacity
//   - ConsistentHash:  pins each service to one gateway while the set is stable
package loadbalance

import (
	"errors"

	"amf-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per call. key is the called service name;
// strategies without affinity ignore it. Implementations are goroutine safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer for a strategy name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("loadbalance: unknown strategy " + strategy)
}
