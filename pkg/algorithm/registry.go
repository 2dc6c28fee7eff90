package algorithm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type entry struct {
	kind    Kind
	factory func() any
}

var (
	mu       sync.RWMutex
	registry = make(map[string]entry)
)

func register(name string, kind Kind, factory func() any) error {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("algorithm already registered: %s", name)
	}
	registry[name] = entry{kind: kind, factory: factory}
	return nil
}

// RegisterMapReduce makes a map/reduce algorithm available to workers.
// The factory must return a pointer so that state can be decoded into it.
func RegisterMapReduce(name string, factory func() MapReduce) error {
	return register(name, KindMapReduce, func() any { return factory() })
}

func RegisterRace(name string, factory func() Race) error {
	return register(name, KindRace, func() any { return factory() })
}

func RegisterTask(name string, factory func() Task) error {
	return register(name, KindTask, func() any { return factory() })
}

// Lookup returns the kind an algorithm was registered with.
func Lookup(name string) (Kind, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, exists := registry[name]
	if !exists {
		return "", fmt.Errorf("algorithm not found: %s", name)
	}
	return e.kind, nil
}

func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	var names []string
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Revive builds a fresh algorithm object and restores state into it.
func Revive(name string, state []byte) (Algorithm, error) {
	mu.RLock()
	e, exists := registry[name]
	mu.RUnlock()
	if !exists {
		return Algorithm{}, fmt.Errorf("algorithm not found: %s", name)
	}

	object := e.factory()
	if state = bytes.TrimSpace(state); len(state) > 0 && !bytes.Equal(state, []byte("null")) {
		if err := json.Unmarshal(state, object); err != nil {
			return Algorithm{}, fmt.Errorf("restore %s: %w", name, err)
		}
	}
	return Algorithm{name: name, kind: e.kind, object: object}, nil
}
