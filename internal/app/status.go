package app

import (
	"sort"
	"sync"

	"github.com/vk/relgrid/internal/node"
)

// instanceStatus is the JSON shape of one instance on /status.
type instanceStatus struct {
	Address string `json:"address"`
	Status  string `json:"status"`
	Reused  bool   `json:"reused,omitempty"`
	Error   string `json:"error,omitempty"`
}

// pipelineStatus is the JSON shape of /status.
type pipelineStatus struct {
	PipelineID string           `json:"pipelineID"`
	Instances  []instanceStatus `json:"instances"`
}

// statusBoard keeps the latest snapshot of every instance, fed by the
// executor observer.
type statusBoard struct {
	mu         sync.Mutex
	pipelineID string
	instances  map[string]node.Snapshot
}

func newStatusBoard() *statusBoard {
	return &statusBoard{instances: make(map[string]node.Snapshot)}
}

func (b *statusBoard) observe(pipelineID string, s node.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pipelineID = pipelineID
	b.instances[s.Address.String()] = s
}

func (b *statusBoard) snapshot() pipelineStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := pipelineStatus{PipelineID: b.pipelineID, Instances: make([]instanceStatus, 0, len(b.instances))}
	for addr, s := range b.instances {
		is := instanceStatus{Address: addr, Status: s.Status.String(), Reused: s.Reused}
		if s.Err != nil {
			is.Error = s.Err.Error()
		}
		out.Instances = append(out.Instances, is)
	}
	sort.Slice(out.Instances, func(i, j int) bool { return out.Instances[i].Address < out.Instances[j].Address })
	return out
}
