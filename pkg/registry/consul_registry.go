package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/cuemby/chrono/pkg/metrics"
	"github.com/cuemby/chrono/pkg/types"
)

// ConsulRegistry implements Registry and Discovery on top of Consul's
// agent service catalog, using a TTL health check for liveness (Renew maps
// to TTL.Pass) and a blocking health-service query for Watch.
type ConsulRegistry struct {
	client *api.Client
}

func NewConsulRegistry(client *api.Client) *ConsulRegistry {
	return &ConsulRegistry{client: client}
}

func serviceID(endpoint types.ServerEndpoint) string {
	return fmt.Sprintf("chrono-%s-%s", endpoint.Role, endpoint.Key())
}

func checkID(endpoint types.ServerEndpoint) string {
	return "check:" + serviceID(endpoint)
}

func (c *ConsulRegistry) Register(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error {
	reg := &api.AgentServiceRegistration{
		ID:      serviceID(endpoint),
		Name:    "chrono-worker",
		Tags:    []string{endpoint.Group, endpoint.Role.String()},
		Address: endpoint.Host,
		Port:    endpoint.Port,
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(endpoint),
			TTL:                            ttl.String(),
			DeregisterCriticalServiceAfter: (3 * ttl).String(),
		},
	}
	if err := c.client.Agent().ServiceRegister(reg); err != nil {
		metrics.RegistryRefreshes.WithLabelValues("consul", "error").Inc()
		return fmt.Errorf("registry: consul register: %w", err)
	}
	metrics.RegistryRefreshes.WithLabelValues("consul", "ok").Inc()
	return nil
}

func (c *ConsulRegistry) Renew(ctx context.Context, endpoint types.ServerEndpoint, ttl time.Duration) error {
	if err := c.client.Agent().PassTTL(checkID(endpoint), "renewed"); err != nil {
		metrics.RegistryRefreshes.WithLabelValues("consul", "error").Inc()
		return fmt.Errorf("registry: consul renew: %w", err)
	}
	metrics.RegistryRefreshes.WithLabelValues("consul", "ok").Inc()
	return nil
}

func (c *ConsulRegistry) Deregister(ctx context.Context, endpoint types.ServerEndpoint) error {
	if err := c.client.Agent().ServiceDeregister(serviceID(endpoint)); err != nil {
		return fmt.Errorf("registry: consul deregister: %w", err)
	}
	return nil
}

func (c *ConsulRegistry) Close() error { return nil }

func (c *ConsulRegistry) Discover(ctx context.Context, group string) ([]types.ServerEndpoint, error) {
	entries, _, err := c.client.Health().ServiceMultipleTags("chrono-worker", []string{group}, true, nil)
	if err != nil {
		metrics.RegistryRefreshes.WithLabelValues("consul", "error").Inc()
		return nil, fmt.Errorf("registry: consul discover: %w", err)
	}
	out := make([]types.ServerEndpoint, 0, len(entries))
	for _, e := range entries {
		role := types.RoleWorker
		for _, tag := range e.Service.Tags {
			if tag == "supervisor" {
				role = types.RoleSupervisor
			}
		}
		out = append(out, types.ServerEndpoint{
			Host:  e.Service.Address,
			Port:  e.Service.Port,
			Role:  role,
			Group: group,
		})
	}
	metrics.RegistryAliveWorkers.WithLabelValues(group).Set(float64(len(out)))
	return out, nil
}

// Watch issues successive blocking queries against Consul's
// Health().ServiceMultipleTags, using the returned QueryMeta.LastIndex
// (X-Consul-Index) so each call only returns once the result actually
// changed, rather than polling.
func (c *ConsulRegistry) Watch(ctx context.Context, group string) (<-chan []types.ServerEndpoint, error) {
	out := make(chan []types.ServerEndpoint, 1)

	go func() {
		defer close(out)
		var lastIndex uint64
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			opts := (&api.QueryOptions{WaitIndex: lastIndex, WaitTime: 5 * time.Minute}).WithContext(ctx)
			entries, meta, err := c.client.Health().ServiceMultipleTags("chrono-worker", []string{group}, true, opts)
			if err != nil {
				time.Sleep(time.Second)
				continue
			}
			lastIndex = meta.LastIndex

			snap := make([]types.ServerEndpoint, 0, len(entries))
			for _, e := range entries {
				snap = append(snap, types.ServerEndpoint{
					Host:  e.Service.Address,
					Port:  e.Service.Port,
					Role:  types.RoleWorker,
					Group: group,
				})
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
