package runner

import (
	"context"
	"fmt"
	"sync"
)

// Fake records commands instead of running them.
type Fake struct {
	mu sync.Mutex
	// Commands holds every command passed to Run, in order.
	Commands []Command
	// Paths maps binaries LookPath should resolve.
	Paths map[string]string
	// Hook, when set, decides the outcome of each Run.
	Hook func(Command) error
}

// Run records c and returns the Hook result.
func (f *Fake) Run(_ context.Context, c Command) error {
	f.mu.Lock()
	f.Commands = append(f.Commands, c)
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		return hook(c)
	}
	return nil
}

// LookPath resolves name from Paths.
func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Paths[name]; ok {
		return p, nil
	}
	return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
}

// Lines returns the recorded commands rendered as strings.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Commands))
	for _, c := range f.Commands {
		out = append(out, c.String())
	}
	return out
}
