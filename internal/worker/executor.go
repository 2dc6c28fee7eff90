package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/nemanja-m/jobwire/internal/records"
	"github.com/nemanja-m/jobwire/internal/tasks"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
)

// Task is one invocation of the worker executable.
type Task struct {
	Mode      string
	Modulo    int
	Algorithm algorithm.Algorithm
	// Input is everything on stdin after the payload header.
	Input     []byte
	Loader    records.Loader
	Dir       string
	Base      string
	SplitSize int64
}

// Executor runs a task and returns what the worker prints on stdout.
type Executor interface {
	Execute(ctx context.Context, task *Task) ([]byte, error)
}

var executors = map[string]Executor{
	"mapper":    mapExecutor{},
	"kvmapper":  mapExecutor{},
	"reducer":   reduceExecutor{},
	"finalizer": finalizeExecutor{},
	"run":       processExecutor{},
}

func mapReduce(task *Task) (algorithm.MapReduce, error) {
	m, ok := task.Algorithm.MapReduce()
	if !ok {
		return nil, &algorithm.KindError{Name: task.Algorithm.Name(), Kind: task.Algorithm.Kind(), Want: string(algorithm.KindMapReduce)}
	}
	return m, nil
}

func fileList(input []byte) ([]string, error) {
	var files []string
	if err := json.Unmarshal(input, &files); err != nil {
		return nil, fmt.Errorf("file list: %w", err)
	}
	return files, nil
}

type mapExecutor struct{}

func (mapExecutor) Execute(ctx context.Context, task *Task) ([]byte, error) {
	m, err := mapReduce(task)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(task.Input) {
		return nil, fmt.Errorf("mapper input is not JSON")
	}
	entries := gjson.ParseBytes(task.Input).Array()

	var parts []tasks.PartitionFile
	err = inBase(task.Base, func() error {
		mapper := &tasks.MapTask{
			Algorithm: m,
			Modulo:    task.Modulo,
			Dir:       task.Dir,
			SplitSize: task.SplitSize,
			Loader:    task.Loader,
		}
		parts, err = mapper.Run(entries)
		return err
	})
	if err != nil {
		return nil, err
	}
	if parts == nil {
		parts = []tasks.PartitionFile{}
	}
	return json.Marshal(parts)
}

type reduceExecutor struct{}

func (reduceExecutor) Execute(ctx context.Context, task *Task) ([]byte, error) {
	m, err := mapReduce(task)
	if err != nil {
		return nil, err
	}
	files, err := fileList(task.Input)
	if err != nil {
		return nil, err
	}

	var out string
	err = inBase(task.Base, func() error {
		reducer := &tasks.ReduceTask{Algorithm: m, Dir: task.Dir, SplitSize: task.SplitSize, Loader: task.Loader}
		out, err = reducer.Run(files)
		return err
	})
	if err != nil {
		return nil, err
	}

	written := []string{}
	if out != "" {
		written = append(written, out)
	}
	return json.Marshal(written)
}

type finalizeExecutor struct{}

func (finalizeExecutor) Execute(ctx context.Context, task *Task) ([]byte, error) {
	m, err := mapReduce(task)
	if err != nil {
		return nil, err
	}
	files, err := fileList(task.Input)
	if err != nil {
		return nil, err
	}
	err = inBase(task.Base, func() error {
		_, err := (&tasks.WriteTask{Algorithm: m, Loader: task.Loader}).Run(files)
		return err
	})
	return nil, err
}

// processExecutor runs a race candidate or a task. The input and the
// printed result are base64 encoded.
type processExecutor struct{}

func (processExecutor) Execute(ctx context.Context, task *Task) ([]byte, error) {
	input, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(task.Input)))
	if err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	result, err := task.Algorithm.Process(input)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(encoded)), nil
}
