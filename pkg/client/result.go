package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/tidwall/gjson"

	"github.com/nemanja-m/jobwire/internal/descriptor"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
)

// Result is what a finished job reports. The concrete type is one of
// *MapReduceResult, *RaceResult, *TaskResult or their error twins.
type Result interface {
	Kind() algorithm.Kind
	Success() bool
	JSON() []byte
}

func newResult(kind algorithm.Kind, raw []byte, failed bool) Result {
	r := result{raw: raw, json: gjson.ParseBytes(raw)}
	switch kind {
	case algorithm.KindMapReduce:
		if failed {
			return &MapReduceError{MapReduceResult{r}, ProcessError{r.json.Get("error")}}
		}
		return &MapReduceResult{r}
	case algorithm.KindRace:
		if failed {
			return &RaceError{RaceResult{r}, ProcessError{r.json.Get("error")}}
		}
		return &RaceResult{r}
	default:
		if failed {
			process := r.json.Get("error")
			if !process.Exists() {
				process = r.json
			}
			return &TaskError{TaskResult{r}, ProcessError{process}}
		}
		return &TaskResult{r}
	}
}

type result struct {
	raw  []byte
	json gjson.Result
}

func (r result) JSON() []byte {
	return r.raw
}

func timestamp(v gjson.Result) time.Time {
	if !v.Exists() {
		return time.Time{}
	}
	sec, frac := math.Modf(v.Float())
	return time.Unix(int64(sec), int64(frac*1e9))
}

func seconds(v gjson.Result) time.Duration {
	return time.Duration(v.Float() * float64(time.Second))
}

// decode unpacks a worker's base64 JSON stdout into v.
func decode(encoded string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// DataStats counts the files and bytes a phase read or wrote.
type DataStats struct {
	json gjson.Result
}

func (d DataStats) Files() int64 { return d.json.Get("files").Int() }
func (d DataStats) Bytes() int64 { return d.json.Get("bytes").Int() }

// Stats describes one phase of a map/reduce job.
type Stats struct {
	json gjson.Result
}

func (s Stats) First() time.Time       { return timestamp(s.json.Get("first")) }
func (s Stats) Last() time.Time        { return timestamp(s.json.Get("last")) }
func (s Stats) Finished() time.Time    { return timestamp(s.json.Get("finished")) }
func (s Stats) Fastest() time.Duration { return seconds(s.json.Get("fastest")) }
func (s Stats) Slowest() time.Duration { return seconds(s.json.Get("slowest")) }
func (s Stats) Processes() int64       { return s.json.Get("processes").Int() }
func (s Stats) Runtime() time.Duration { return seconds(s.json.Get("runtime")) }
func (s Stats) Input() DataStats       { return DataStats{s.json.Get("input")} }
func (s Stats) Output() DataStats      { return DataStats{s.json.Get("output")} }

func stats(v gjson.Result) *Stats {
	if !v.IsObject() {
		return nil
	}
	return &Stats{v}
}

type MapReduceResult struct {
	result
}

func (r *MapReduceResult) Kind() algorithm.Kind   { return algorithm.KindMapReduce }
func (r *MapReduceResult) Success() bool          { return true }
func (r *MapReduceResult) Started() time.Time     { return timestamp(r.json.Get("started")) }
func (r *MapReduceResult) Runtime() time.Duration { return seconds(r.json.Get("runtime")) }

// Mappers is nil when the phase did not run.
func (r *MapReduceResult) Mappers() *Stats    { return stats(r.json.Get("mappers")) }
func (r *MapReduceResult) Reducers() *Stats   { return stats(r.json.Get("reducers")) }
func (r *MapReduceResult) Finalizers() *Stats { return stats(r.json.Get("finalizers")) }

// Winner is the process that won a race.
type Winner struct {
	json gjson.Result
}

// Input returns the candidate the winner processed.
func (w Winner) Input() ([]byte, error) {
	_, rest, err := descriptor.DecodePayload([]byte(w.json.Get("stdin").String()))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(rest)))
}

// Output decodes the winner's result into v.
func (w Winner) Output(v any) error {
	return decode(w.json.Get("stdout").String(), v)
}

func (w Winner) Error() string          { return w.json.Get("stderr").String() }
func (w Winner) Server() string         { return w.json.Get("server").String() }
func (w Winner) PID() int64             { return w.json.Get("pid").Int() }
func (w Winner) Signal() int64          { return w.json.Get("signal").Int() }
func (w Winner) Exit() int64            { return w.json.Get("exit").Int() }
func (w Winner) Started() time.Time     { return timestamp(w.json.Get("started")) }
func (w Winner) Finished() time.Time    { return timestamp(w.json.Get("finished")) }
func (w Winner) Runtime() time.Duration { return seconds(w.json.Get("runtime")) }

type RaceResult struct {
	result
}

func (r *RaceResult) Kind() algorithm.Kind   { return algorithm.KindRace }
func (r *RaceResult) Success() bool          { return true }
func (r *RaceResult) Started() time.Time     { return timestamp(r.json.Get("started")) }
func (r *RaceResult) Runtime() time.Duration { return seconds(r.json.Get("runtime")) }
func (r *RaceResult) Processes() int64       { return r.json.Get("processes").Int() }

// Winner is nil when no candidate succeeded.
func (r *RaceResult) Winner() *Winner {
	w := r.json.Get("winner")
	if !w.IsObject() {
		return nil
	}
	return &Winner{w}
}

// Result decodes the winning output into v.
func (r *RaceResult) Result(v any) error {
	return decode(r.json.Get("winner.stdout").String(), v)
}

type TaskResult struct {
	result
}

func (r *TaskResult) Kind() algorithm.Kind   { return algorithm.KindTask }
func (r *TaskResult) Success() bool          { return true }
func (r *TaskResult) Started() time.Time     { return timestamp(r.json.Get("started")) }
func (r *TaskResult) Finished() time.Time    { return timestamp(r.json.Get("finished")) }
func (r *TaskResult) Runtime() time.Duration { return seconds(r.json.Get("runtime")) }

// Result decodes what the task's Process returned into v.
func (r *TaskResult) Result(v any) error {
	return decode(r.json.Get("stdout").String(), v)
}

// ProcessError describes the worker process that failed.
type ProcessError struct {
	process gjson.Result
}

func (e ProcessError) Executable() string { return e.process.Get("executable").String() }
func (e ProcessError) Stdin() string      { return e.process.Get("stdin").String() }
func (e ProcessError) Stdout() string     { return e.process.Get("stdout").String() }
func (e ProcessError) Stderr() string     { return e.process.Get("stderr").String() }

func (e ProcessError) Arguments() []string {
	var args []string
	for _, a := range e.process.Get("arguments").Array() {
		args = append(args, a.String())
	}
	return args
}

// Command is a shell line that reruns the failed process locally.
func (e ProcessError) Command() string {
	var b strings.Builder
	b.WriteString("echo ")
	b.WriteString(shellquote.Join(e.Stdin()))
	b.WriteString(" | ")
	b.WriteString(e.Executable())
	if args := e.Arguments(); len(args) > 0 {
		b.WriteByte(' ')
		b.WriteString(shellquote.Join(args...))
	}
	return b.String()
}

// Message is the error text reported by the client itself, for example
// when the broker connection was lost.
func (e ProcessError) Message() string { return e.process.Get("message").String() }

func (e ProcessError) Error() string {
	if msg := e.Message(); msg != "" {
		return msg
	}
	if stderr := e.Stderr(); stderr != "" {
		return fmt.Sprintf("%s failed: %s", e.Executable(), stderr)
	}
	return fmt.Sprintf("%s failed", e.Executable())
}

type MapReduceError struct {
	MapReduceResult
	ProcessError
}

func (e *MapReduceError) Success() bool { return false }

type RaceError struct {
	RaceResult
	ProcessError
}

func (e *RaceError) Success() bool { return false }

type TaskError struct {
	TaskResult
	ProcessError
}

func (e *TaskError) Success() bool { return false }
