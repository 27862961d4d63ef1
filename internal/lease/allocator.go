package lease

import (
	"errors"
	"fmt"
	"sync"
)

// Leased ports always have five digits.
const (
	MinPort = 10000
	MaxPort = 65535
)

var ErrNoPortsAvailable = errors.New("no available ports")

// PortAllocator hands out ports from [min, max] minus the reserved ones.
// Free ports are kept in FIFO order so a released port is the last to be
// handed out again.
type PortAllocator struct {
	mu       sync.Mutex
	min      int
	max      int
	reserved map[int]bool
	queue    []int
	free     map[int]bool
	inUse    map[int]bool
}

func NewPortAllocator(minPort, maxPort int, reserved []int) (*PortAllocator, error) {
	if minPort < MinPort || maxPort > MaxPort {
		return nil, fmt.Errorf("invalid port range %d-%d: must be within %d-%d", minPort, maxPort, MinPort, MaxPort)
	}
	if minPort > maxPort {
		return nil, fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}
	reservedSet := make(map[int]bool, len(reserved))
	for _, port := range reserved {
		reservedSet[port] = true
	}
	size := maxPort - minPort + 1
	p := &PortAllocator{
		min:      minPort,
		max:      maxPort,
		reserved: reservedSet,
		queue:    make([]int, 0, size),
		free:     make(map[int]bool, size),
		inUse:    make(map[int]bool),
	}
	for port := minPort; port <= maxPort; port++ {
		if reservedSet[port] {
			continue
		}
		p.queue = append(p.queue, port)
		p.free[port] = true
	}
	if len(p.free) == 0 {
		return nil, fmt.Errorf("port range %d-%d has no allocatable ports", minPort, maxPort)
	}
	return p, nil
}

// Acquire takes the port at the head of the free queue.
func (p *PortAllocator) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 {
		port := p.queue[0]
		p.queue = p.queue[1:]
		if !p.free[port] {
			// stale entry left behind by Claim
			continue
		}
		delete(p.free, port)
		p.inUse[port] = true
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

// Claim marks a specific port as in use, for restoring persisted leases.
func (p *PortAllocator) Claim(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port < p.min || port > p.max || p.reserved[port] {
		return fmt.Errorf("port %d outside allocatable range %d-%d", port, p.min, p.max)
	}
	if p.inUse[port] {
		return fmt.Errorf("port %d already in use", port)
	}
	delete(p.free, port)
	p.inUse[port] = true
	p.compactLocked()
	return nil
}

// Release returns a port to the tail of the free queue. Unknown ports are ignored.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[port] {
		return
	}
	delete(p.inUse, port)
	p.free[port] = true
	p.queue = append(p.queue, port)
	p.compactLocked()
}

// Free reports how many ports can still be acquired.
func (p *PortAllocator) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size reports the number of allocatable ports in the pool.
func (p *PortAllocator) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.inUse)
}

// compactLocked drops stale queue entries once they outnumber live ones.
func (p *PortAllocator) compactLocked() {
	if len(p.queue) <= 2*len(p.free)+64 {
		return
	}
	seen := make(map[int]bool, len(p.free))
	compacted := make([]int, 0, len(p.free))
	for _, port := range p.queue {
		if p.free[port] && !seen[port] {
			seen[port] = true
			compacted = append(compacted, port)
		}
	}
	p.queue = compacted
}
