// Package job drives a single job from construction to result: it collects
// input, publishes the descriptor and waits for the cluster's answer.
package job

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nemanja-m/jobwire/internal/broker"
	"github.com/nemanja-m/jobwire/internal/cache"
	"github.com/nemanja-m/jobwire/internal/descriptor"
	"github.com/nemanja-m/jobwire/internal/feedback"
	"github.com/nemanja-m/jobwire/internal/loop"
	"github.com/nemanja-m/jobwire/internal/records"
	"github.com/nemanja-m/jobwire/internal/shared/config"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
	"github.com/nemanja-m/jobwire/internal/sink"
	"github.com/nemanja-m/jobwire/internal/tasks"
	"github.com/nemanja-m/jobwire/internal/tempdir"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
	"github.com/nemanja-m/jobwire/pkg/tuple"
)

var (
	ErrDetached    = errors.New("job is detached, its result is delivered elsewhere")
	ErrNoDirectory = errors.New("job has no temporary directory")
	ErrFinished    = errors.New("job already finished")
	ErrStarted     = errors.New("job already started")
)

// completions orders finished jobs across the process.
var completions atomic.Uint64

// Core is the connection a job is published through.
type Core interface {
	Rabbit() (*broker.Rabbit, error)
	Cache() *cache.Cache
	Poller() *loop.Poller
	Settings() *config.Settings
	Logger() logging.Logger
}

// FinalizeError reports a local finalize that failed. The job directory is
// kept so the intermediate files can be inspected.
type FinalizeError struct {
	Directory string
	Err       error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Directory, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// Impl is the state of one job. It is not safe for concurrent use; every
// method must run on the goroutine that drives the event loop.
type Impl struct {
	core     Core
	settings *config.Settings
	logger   logging.Logger

	algo algorithm.Algorithm
	data *descriptor.Data
	dir  *tempdir.TempDir
	sink *sink.Sink

	state     sink.State
	splitSize int64
	argument  []byte

	feedback  feedback.Feedback
	published bool
	detached  bool

	result      []byte
	failed      bool
	finalizeErr error
	sequence    uint64
}

// New prepares a job for algo. Nothing is sent until the job starts.
func New(core Core, algo algorithm.Algorithm) (*Impl, error) {
	if algo.IsZero() {
		return nil, errors.New("job needs an algorithm")
	}
	state, err := algo.State()
	if err != nil {
		return nil, err
	}

	c := core.Cache()
	info := descriptor.CacheInfo{Address: c.Address(), MaxSize: c.MaxSize(), TTL: c.TTL()}
	header, err := descriptor.Payload{Name: algo.Name(), Object: state, Cache: info}.Encode()
	if err != nil {
		return nil, err
	}

	settings := core.Settings()
	data, err := descriptor.New(algo.Kind(), header, settings.Worker.Executable, info)
	if err != nil {
		return nil, err
	}

	j := newImpl(core, data, tempdir.New(settings.BaseDirectory), sink.StateInitialize)
	j.algo = algo
	return j, nil
}

// Revive adopts a descriptor produced by Freeze. The job directory must
// still exist on the shared filesystem.
func Revive(core Core, raw []byte) (*Impl, error) {
	data, err := descriptor.Parse(raw)
	if err != nil {
		return nil, err
	}
	rel := data.JobDirectory()
	if rel == "" {
		return nil, ErrNoDirectory
	}
	dir := tempdir.Existing(core.Settings().BaseDirectory, rel)
	if !dir.Exists() {
		return nil, fmt.Errorf("%w: %s does not exist", ErrNoDirectory, dir.Full())
	}
	return newImpl(core, data, dir, sink.StateFrozen), nil
}

func newImpl(core Core, data *descriptor.Data, dir *tempdir.TempDir, state sink.State) *Impl {
	settings := core.Settings()
	j := &Impl{
		core:      core,
		settings:  settings,
		logger:    core.Logger(),
		data:      data,
		dir:       dir,
		state:     state,
		splitSize: settings.SplitSizeBytes(),
	}
	j.sink = sink.New(j.State, data, core.Cache(), dir, j.splitSize)
	return j
}

func (j *Impl) State() sink.State {
	return j.state
}

func (j *Impl) Kind() algorithm.Kind {
	return j.data.Kind()
}

func (j *Impl) Data() *descriptor.Data {
	return j.data
}

// Algorithm is the in-process algorithm, zero for revived jobs.
func (j *Impl) Algorithm() algorithm.Algorithm {
	return j.algo
}

func (j *Impl) TempDir() *tempdir.TempDir {
	return j.dir
}

func (j *Impl) mutable() bool {
	return j.state == sink.StateInitialize
}

func (j *Impl) apply(name string, fn func() error) bool {
	if !j.mutable() {
		return false
	}
	if err := fn(); err != nil {
		j.logger.Debug("job setting rejected", "setting", name, "error", err)
		return false
	}
	return true
}

func (j *Impl) MaxProcesses(n int) bool {
	return j.apply("maxprocesses", func() error { return j.data.MaxProcesses(max(n, 1)) })
}

func (j *Impl) MaxMappers(n int) bool {
	return j.apply("maxmappers", func() error { return j.data.MaxMappers(max(n, 1)) })
}

func (j *Impl) MaxReducers(n int) bool {
	return j.apply("maxreducers", func() error { return j.data.MaxReducers(max(n, 1)) })
}

// MaxFinalizers of zero makes the client finalize locally.
func (j *Impl) MaxFinalizers(n int) bool {
	return j.apply("maxfinalizers", func() error { return j.data.MaxFinalizers(max(n, 0)) })
}

func (j *Impl) Modulo(n int) bool {
	if n < 1 {
		return false
	}
	return j.apply("modulo", func() error { return j.data.Modulo(n) })
}

func (j *Impl) MaxFiles(mapper, reducer, finalizer int64) bool {
	return j.apply("maxfiles", func() error { return j.data.MaxFiles(mapper, reducer, finalizer) })
}

// MaxBytes limits are rejected unless each is a multiple of the split size.
func (j *Impl) MaxBytes(mapper, reducer, finalizer int64) bool {
	for _, n := range []int64{mapper, reducer, finalizer} {
		if j.splitSize <= 0 || n%j.splitSize != 0 {
			return false
		}
	}
	return j.apply("maxbytes", func() error { return j.data.MaxBytes(mapper, reducer, finalizer) })
}

func (j *Impl) MaxRecords(mapper int64) bool {
	return j.apply("maxrecords", func() error { return j.data.MaxRecords(mapper) })
}

func (j *Impl) Local(local bool) bool {
	return j.apply("local", func() error { return j.data.Local(local) })
}

// SplitSize changes the size of output chunks until the first record was
// emitted.
func (j *Impl) SplitSize(size int64) bool {
	if !j.mutable() || size <= 0 || j.sink.Emitted() {
		return false
	}
	j.splitSize = size
	j.sink.SetSplitSize(size)
	return true
}

func (j *Impl) inputs() bool {
	return j.state == sink.StateInitialize || j.state == sink.StateFrozen
}

func (j *Impl) emit(r records.Record) bool {
	if !j.inputs() {
		return false
	}
	if err := j.sink.Add(r); err != nil {
		j.logger.Warn("job input rejected", "error", err)
		return false
	}
	return true
}

// Add appends raw input. A task concatenates it to the worker argument, a
// race lists it as one more candidate and map/reduce records it as data.
func (j *Impl) Add(data []byte) bool {
	switch j.Kind() {
	case algorithm.KindTask:
		return j.apply("add", func() error {
			j.argument = append(j.argument, data...)
			return j.data.Argument(base64.StdEncoding.EncodeToString(j.argument))
		})
	case algorithm.KindRace:
		if j.state == sink.StateFrozen {
			return j.emit(records.DataRecord(data))
		}
		return j.apply("add", func() error {
			return j.data.Add(base64.StdEncoding.EncodeToString(data))
		})
	default:
		return j.emit(records.DataRecord(data))
	}
}

// AddKV streams a key/value pair into the job's output files.
func (j *Impl) AddKV(key, value tuple.Tuple) bool {
	if j.Kind() != algorithm.KindMapReduce {
		return false
	}
	return j.emit(records.KeyValue(key, value))
}

// Map lists a key/value pair inline while the job initializes. A frozen job
// can only take it through its directory.
func (j *Impl) Map(key, value tuple.Tuple, server string) bool {
	if j.Kind() != algorithm.KindMapReduce {
		return false
	}
	if j.state == sink.StateFrozen {
		return j.emit(records.KeyValue(key, value))
	}
	return j.apply("map", func() error { return j.data.KV(key, value, server) })
}

func (j *Impl) File(name string, start, size int64, remove bool, server string) bool {
	return j.apply("file", func() error { return j.data.File(name, start, size, remove, server) })
}

func (j *Impl) Directory(name string, remove bool, server string) bool {
	return j.apply("directory", func() error { return j.data.Directory(name, remove, server) })
}

// Flush starts a new output for the records that follow.
func (j *Impl) Flush() bool {
	if !j.inputs() {
		return false
	}
	if err := j.sink.Flush(); err != nil {
		j.logger.Warn("flush failed", "error", err)
		return false
	}
	return true
}

func (j *Impl) openFeedback(rabbit *broker.Rabbit) (feedback.Feedback, error) {
	if j.settings.Feedback == config.FeedbackTCP {
		fb, err := feedback.NewListener(j, j.core.Poller(), j.settings.ProbeAddress, j.logger)
		if err != nil {
			return nil, err
		}
		return fb, j.data.Listener(fb.Address())
	}
	fb, err := feedback.NewTempQueue(j, rabbit, j.logger)
	if err != nil {
		return nil, err
	}
	return fb, j.data.TempQueue(fb.Address())
}

// publish closes pending output and sends the descriptor.
func (j *Impl) publish(rabbit *broker.Rabbit) error {
	if err := j.sink.Sync(false); err != nil {
		return err
	}
	if err := rabbit.PublishKind(string(j.Kind()), j.data.Bytes()); err != nil {
		return err
	}
	j.published = true
	j.state = sink.StateRunning
	j.logger.Debug("job published", "kind", j.Kind(), "directory", j.dir.Relative())
	return nil
}

// Start publishes the job with a feedback endpoint for its result. Starting
// a running or finished job does nothing. When publishing fails the job
// keeps its state and can be started again.
func (j *Impl) Start() error {
	if j.state == sink.StateRunning || j.state == sink.StateFinished {
		return nil
	}
	rabbit, err := j.core.Rabbit()
	if err != nil {
		return err
	}
	fb, err := j.openFeedback(rabbit)
	if err != nil {
		if fb != nil {
			fb.Close()
		}
		return err
	}
	if err := j.publish(rabbit); err != nil {
		fb.Close()
		return err
	}
	j.feedback = fb
	return nil
}

// Detach gives up on the result. A job that was not published yet is
// published without a feedback endpoint.
func (j *Impl) Detach() error {
	if j.state == sink.StateFinished {
		return ErrFinished
	}
	j.detached = true
	if j.feedback != nil {
		err := j.feedback.Close()
		j.feedback = nil
		return err
	}
	if j.published {
		return nil
	}
	rabbit, err := j.core.Rabbit()
	if err != nil {
		return err
	}
	return j.publish(rabbit)
}

// Wait starts the job if needed and blocks until its result arrived.
func (j *Impl) Wait() error {
	if j.state == sink.StateFinished {
		return nil
	}
	if j.detached {
		return ErrDetached
	}
	if err := j.Start(); err != nil {
		return err
	}
	if j.state == sink.StateFinished {
		return nil
	}
	return j.feedback.Wait()
}

// Freeze writes pending output and returns the descriptor for another
// process to revive. Only jobs that have not started can be frozen.
func (j *Impl) Freeze() ([]byte, error) {
	if j.state != sink.StateInitialize && j.state != sink.StateFrozen {
		return nil, ErrStarted
	}
	if err := j.sink.Sync(true); err != nil {
		return nil, err
	}
	if _, err := j.sink.Directory(); err != nil {
		if errors.Is(err, tempdir.ErrNoBase) {
			return nil, ErrNoDirectory
		}
		return nil, fmt.Errorf("%w: %v", ErrNoDirectory, err)
	}
	j.state = sink.StateFrozen
	return j.data.Bytes(), nil
}

// Handlers are the loop handlers that make progress on a running job.
func (j *Impl) Handlers() []loop.Handler {
	var handlers []loop.Handler
	if j.feedback != nil {
		handlers = append(handlers, j.feedback.Handler())
	}
	if rabbit, err := j.core.Rabbit(); err == nil {
		handlers = append(handlers, rabbit)
	}
	return handlers
}

func (j *Impl) Finished() bool {
	return j.state == sink.StateFinished
}

func (j *Impl) Detached() bool {
	return j.detached
}

// Result is the raw JSON the cluster answered with.
func (j *Impl) Result() []byte {
	return j.result
}

func (j *Impl) Failed() bool {
	return j.failed
}

func (j *Impl) FinalizeErr() error {
	return j.finalizeErr
}

// Sequence orders finished jobs by completion, starting at 1.
func (j *Impl) Sequence() uint64 {
	return j.sequence
}

func (j *Impl) finish(result []byte, failed bool) {
	j.state = sink.StateFinished
	j.result = result
	j.failed = failed
	j.feedback = nil
	j.sequence = completions.Add(1)
}

// OnReceived implements feedback.Owner.
func (j *Impl) OnReceived(_ feedback.Feedback, body []byte) {
	failed := isError(j.Kind(), body)
	j.finish(body, failed)
	j.logger.Debug("job finished", "kind", j.Kind(), "failed", failed)

	if !failed && j.finalizesLocally() {
		j.finalize()
	}
}

// OnError implements feedback.Owner.
func (j *Impl) OnError(_ feedback.Feedback, message string) {
	body, err := sjson.SetBytes([]byte("{}"), "error.message", message)
	if err != nil {
		body = []byte(`{"error":{}}`)
	}
	j.finish(body, true)
	j.logger.Warn("job failed", "kind", j.Kind(), "error", message)
}

func isError(kind algorithm.Kind, body []byte) bool {
	if !gjson.ValidBytes(body) {
		return true
	}
	result := gjson.ParseBytes(body)
	if !result.IsObject() || len(result.Map()) == 0 {
		return true
	}
	if result.Get("error").Exists() {
		return true
	}
	return kind == algorithm.KindTask && result.Get("stderr").Exists()
}

func (j *Impl) finalizesLocally() bool {
	if j.Kind() != algorithm.KindMapReduce {
		return false
	}
	result := gjson.ParseBytes(j.result)
	return result.Get("finalizers.processes").Int() == 0 &&
		result.Get("directory").String() != "" &&
		len(result.Get("finalize").Array()) > 0
}

// writer returns the algorithm whose Write receives finalized records.
func (j *Impl) writer() (algorithm.MapReduce, error) {
	if m, ok := j.algo.MapReduce(); ok {
		return m, nil
	}
	payload, _, err := descriptor.DecodePayload([]byte(j.data.MapperPayload()))
	if err != nil {
		return nil, err
	}
	algo, err := algorithm.Revive(payload.Name, payload.Object)
	if err != nil {
		return nil, err
	}
	m, ok := algo.MapReduce()
	if !ok {
		return nil, &algorithm.KindError{Name: payload.Name, Kind: algo.Kind(), Want: string(algorithm.KindMapReduce)}
	}
	return m, nil
}

// finalize runs the write phase in this process inside the directory the
// cluster left the reduced files in, then removes that directory.
func (j *Impl) finalize() {
	result := gjson.ParseBytes(j.result)
	rel := result.Get("directory").String()
	base := j.settings.BaseDirectory
	dir := tempdir.Existing(base, rel)

	var files []string
	for _, f := range result.Get("finalize").Array() {
		files = append(files, resolve(base, dir.Full(), f.String()))
	}

	err := func() error {
		m, err := j.writer()
		if err != nil {
			return err
		}
		return tempdir.InDir(dir.Full(), func() error {
			n, err := (&tasks.WriteTask{Algorithm: m, Loader: j.core.Cache()}).Run(files)
			j.logger.Debug("finalized locally", "directory", rel, "records", n)
			return err
		})
	}()
	if err != nil {
		j.finalizeErr = &FinalizeError{Directory: rel, Err: err}
		j.logger.Error("local finalize failed", "directory", rel, "error", err)
		return
	}
	if err := dir.Remove(); err != nil {
		j.logger.Warn("cannot remove finalize directory", "directory", rel, "error", err)
	}
}

// resolve locates a finalize file: cache objects and absolute paths are
// used as is, relative paths are tried against the base directory first.
func resolve(base, dir, name string) string {
	if records.IsCacheName(name) || filepath.IsAbs(name) {
		return name
	}
	if full := filepath.Join(base, name); fileExists(full) {
		return full
	}
	return filepath.Join(dir, name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
