package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned when every port in the range is in use.
var ErrExhausted = errors.New("no ports available")

// PortPool hands out even RTP ports from a fixed range (the odd neighbour is
// left for RTCP). Allocation walks the range round-robin so a released port
// is not handed out again straight away.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	next      int
	allocated map[int]struct{}
}

// NewPortPool creates a pool over [minPort, maxPort]. An odd minPort is
// rounded up.
func NewPortPool(minPort, maxPort int) (*PortPool, error) {
	if minPort%2 != 0 {
		minPort++
	}
	if minPort <= 0 || maxPort > 65535 || minPort+1 > maxPort {
		return nil, fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}
	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		next:      minPort,
		allocated: make(map[int]struct{}),
	}, nil
}

// size is the number of even ports whose RTCP neighbour also fits.
func (p *PortPool) size() int {
	return (p.maxPort - p.minPort + 1) / 2
}

// Allocate reserves the next free port.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.size(); i++ {
		port := p.next
		p.next += 2
		if p.next+1 > p.maxPort {
			p.next = p.minPort
		}
		if _, used := p.allocated[port]; !used {
			p.allocated[port] = struct{}{}
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in range %d-%d", ErrExhausted, p.minPort, p.maxPort)
}

// Release returns a port to the pool. Unknown ports are ignored.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	delete(p.allocated, port)
	p.mu.Unlock()
}

// Available returns the number of free ports.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size() - len(p.allocated)
}

// Allocated returns the number of ports in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
