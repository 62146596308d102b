package orchestrator

import "sync"

// namePool hands out worker names from a fixed dictionary, unique among
// currently-active workers and recyclable once released (spec §4.6 step 2).
var defaultNames = []string{
	"homer", "marge", "bart", "lisa", "maggie",
	"moe", "barney", "carl", "lenny", "milhouse",
	"nelson", "ralph", "skinner", "wiggum", "flanders",
}

type namePool struct {
	mu     sync.Mutex
	all    []string
	inUse  map[string]bool
}

func newNamePool(names []string) *namePool {
	if len(names) == 0 {
		names = defaultNames
	}
	return &namePool{all: names, inUse: make(map[string]bool)}
}

// allocate returns an unused name, or ("", false) if every name is taken.
func (p *namePool) allocate() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.all {
		if !p.inUse[n] {
			p.inUse[n] = true
			return n, true
		}
	}
	return "", false
}

func (p *namePool) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, name)
}

func (p *namePool) capacity() int {
	return len(p.all)
}
