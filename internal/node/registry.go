package node

import "sync"

// Registry tracks the live nodes of a process. It replaces a process-global
// node list: the audio streamer gets an explicit Registry instead of static
// state, which keeps tests and multi-instance use sound.
type Registry struct {
	mu    sync.RWMutex
	nodes []*Node
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, n)
}

func (r *Registry) Remove(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, candidate := range r.nodes {
		if candidate == n {
			r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
			return
		}
	}
}

// Nodes returns a snapshot of the live nodes.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Node(nil), r.nodes...)
}

// BroadcastAudio fans one captured frame out to every registered node.
func (r *Registry) BroadcastAudio(frame []byte) {
	for _, n := range r.Nodes() {
		n.BroadcastAudio(frame)
	}
}
