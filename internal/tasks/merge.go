package tasks

import (
	"container/heap"
	"errors"
	"io"

	"github.com/nemanja-m/jobwire/internal/records"
	"github.com/nemanja-m/jobwire/pkg/tuple"
)

// merger yields the records of several key-sorted inputs in key order.
// Records with equal keys come out in the order of their inputs.
type merger struct {
	inputs []*records.Input
	pq     mergeQueue
}

func newMerger(inputs []*records.Input) (*merger, error) {
	m := &merger{inputs: inputs}
	for i := range inputs {
		if err := m.advance(i); err != nil {
			return nil, err
		}
	}
	heap.Init(&m.pq)
	return m, nil
}

func (m *merger) advance(source int) error {
	r, err := m.inputs[source].Next()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	heap.Push(&m.pq, &mergeItem{record: r, source: source})
	return nil
}

// Next returns the smallest pending record, or io.EOF when all inputs are
// drained.
func (m *merger) Next() (records.Record, error) {
	if m.pq.Len() == 0 {
		return records.Record{}, io.EOF
	}
	it := heap.Pop(&m.pq).(*mergeItem)
	if err := m.advance(it.source); err != nil {
		return records.Record{}, err
	}
	return it.record, nil
}

type mergeItem struct {
	record records.Record
	source int
	index  int
}

// mergeQueue satisfies heap.Interface.
type mergeQueue []*mergeItem

func (pq mergeQueue) Len() int {
	return len(pq)
}

func (pq mergeQueue) Less(i, j int) bool {
	if c := tuple.Compare(pq[i].record.Key, pq[j].record.Key); c != 0 {
		return c < 0
	}
	return pq[i].source < pq[j].source
}

func (pq mergeQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *mergeQueue) Push(x any) {
	it := x.(*mergeItem)
	it.index = len(*pq)
	*pq = append(*pq, it)
}

func (pq *mergeQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[0 : n-1]
	return it
}
