package provider

import "sync"

// Pins tracks segment files referenced by in-flight scans. A scan pins the
// segments of the snapshot it reads at start and releases them when its
// cursor closes; vacuum skips pinned files so a running query never loses a
// segment under its feet.
type Pins struct {
	mu   sync.Mutex
	refs map[string]map[string]int // project -> segment path -> refcount
}

// NewPins creates an empty pin set.
func NewPins() *Pins {
	return &Pins{refs: make(map[string]map[string]int)}
}

// Pin takes a reference on each path for the project and returns the
// release function.
func (p *Pins) Pin(projectID string, paths []string) func() {
	p.mu.Lock()
	project, ok := p.refs[projectID]
	if !ok {
		project = make(map[string]int)
		p.refs[projectID] = project
	}
	for _, path := range paths {
		project[path]++
	}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			project, ok := p.refs[projectID]
			if !ok {
				return
			}
			for _, path := range paths {
				if project[path] <= 1 {
					delete(project, path)
				} else {
					project[path]--
				}
			}
			if len(project) == 0 {
				delete(p.refs, projectID)
			}
		})
	}
}

// IsPinned reports whether any in-flight scan references the path.
func (p *Pins) IsPinned(projectID, path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	project, ok := p.refs[projectID]
	if !ok {
		return false
	}
	return project[path] > 0
}
