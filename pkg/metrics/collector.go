package metrics

import (
	"time"

	"github.com/nhilabs/nhi/pkg/types"
)

// InstanceLister is the store view the collector samples.
type InstanceLister interface {
	List() []*types.Instance
}

// PeerLister is the membership view the collector samples.
type PeerLister interface {
	Peers() []types.Node
}

// Collector periodically samples the instance store and membership
// table into the exported gauges.
type Collector struct {
	instances InstanceLister
	peers     PeerLister
	stopCh    chan struct{}
}

// NewCollector creates a collector.
func NewCollector(instances InstanceLister, peers PeerLister) *Collector {
	return &Collector{
		instances: instances,
		peers:     peers,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	byRole := make(map[types.Role]int)
	for _, inst := range c.instances.List() {
		byRole[inst.Role]++
	}
	InstancesTotal.Reset()
	for role, n := range byRole {
		InstancesTotal.WithLabelValues(string(role)).Set(float64(n))
	}

	if c.peers == nil {
		return
	}
	byStatus := make(map[types.NodeStatus]int)
	for _, peer := range c.peers.Peers() {
		byStatus[peer.Status]++
	}
	PeersTotal.Reset()
	for status, n := range byStatus {
		PeersTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
