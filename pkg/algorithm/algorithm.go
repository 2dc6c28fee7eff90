// Package algorithm defines the user-supplied objects jobs run, and the
// registry workers use to bring them back to life.
package algorithm

import (
	"encoding/json"
	"iter"

	"github.com/nemanja-m/jobwire/pkg/tuple"
)

// Kind selects the queue a job is published to and the shape of its
// result.
type Kind string

const (
	KindMapReduce Kind = "mapreduce"
	KindRace      Kind = "race"
	KindTask      Kind = "task"
)

// Reducer collects the key/value pairs emitted by Map.
type Reducer interface {
	Emit(key, value tuple.Tuple) error
}

// Writer collects the key/value pairs emitted by Reduce.
type Writer interface {
	Emit(key, value tuple.Tuple) error
}

// MapReduce algorithms run in three phases. Data records reach Map with an
// empty key and the raw data as the only value element.
type MapReduce interface {
	Map(key, value tuple.Tuple, r Reducer) error
	Reduce(key tuple.Tuple, values iter.Seq[tuple.Tuple], w Writer) error
	Write(key, value tuple.Tuple) error
}

// Race algorithms process every input; the first one to succeed wins.
type Race interface {
	Process(input []byte) (any, error)
}

// Task algorithms run once with the concatenated job input.
type Task interface {
	Process(input []byte) (any, error)
}

// Algorithm is a named algorithm object of one of the three kinds.
type Algorithm struct {
	name   string
	kind   Kind
	object any
}

func MapReduceOf(name string, m MapReduce) Algorithm {
	return Algorithm{name: name, kind: KindMapReduce, object: m}
}

func RaceOf(name string, r Race) Algorithm {
	return Algorithm{name: name, kind: KindRace, object: r}
}

func TaskOf(name string, t Task) Algorithm {
	return Algorithm{name: name, kind: KindTask, object: t}
}

func (a Algorithm) Name() string {
	return a.name
}

func (a Algorithm) Kind() Kind {
	return a.kind
}

func (a Algorithm) IsZero() bool {
	return a.object == nil
}

func (a Algorithm) MapReduce() (MapReduce, bool) {
	m, ok := a.object.(MapReduce)
	return m, ok && a.kind == KindMapReduce
}

func (a Algorithm) Race() (Race, bool) {
	r, ok := a.object.(Race)
	return r, ok && a.kind == KindRace
}

func (a Algorithm) Task() (Task, bool) {
	t, ok := a.object.(Task)
	return t, ok && a.kind == KindTask
}

// Process runs a race or task algorithm.
func (a Algorithm) Process(input []byte) (any, error) {
	switch a.kind {
	case KindRace:
		return a.object.(Race).Process(input)
	case KindTask:
		return a.object.(Task).Process(input)
	default:
		return nil, &KindError{Name: a.name, Kind: a.kind, Want: "race or task"}
	}
}

// State is the JSON form of the algorithm object shipped to workers.
func (a Algorithm) State() (json.RawMessage, error) {
	if a.object == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(a.object)
}

type KindError struct {
	Name string
	Kind Kind
	Want string
}

func (e *KindError) Error() string {
	return "algorithm " + e.Name + " is a " + string(e.Kind) + ", not a " + e.Want
}
