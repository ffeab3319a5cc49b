package rtc

import (
	"errors"
	"sync"
)

var ErrNoFreePorts = errors.New("no free ports")

// PortsAllocator hands out UDP ports for plain transports from the RTC range.
type PortsAllocator struct {
	sync.Mutex
	start, end int
	next       int
	udpPorts   map[int]bool
}

func NewPortsAllocator(rangeStart, rangeEnd int) *PortsAllocator {
	return &PortsAllocator{
		start:    rangeStart,
		end:      rangeEnd,
		next:     rangeStart,
		udpPorts: make(map[int]bool),
	}
}

// Allocate returns the next free port, scanning round-robin so a just
// released port is not immediately reused.
func (p *PortsAllocator) Allocate() (int, error) {
	p.Lock()
	defer p.Unlock()

	size := p.end - p.start
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next >= p.end {
			p.next = p.start
		}

		if !p.udpPorts[port] {
			p.udpPorts[port] = true
			return port, nil
		}
	}

	return 0, ErrNoFreePorts
}

func (p *PortsAllocator) Deallocate(port int) {
	p.Lock()
	delete(p.udpPorts, port)
	p.Unlock()
}

func (p *PortsAllocator) InUse() int {
	p.Lock()
	defer p.Unlock()
	return len(p.udpPorts)
}
