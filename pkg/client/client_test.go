package client

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/nemanja-m/jobwire/internal/broker/amqptest"
	"github.com/nemanja-m/jobwire/internal/cache"
	"github.com/nemanja-m/jobwire/internal/cache/cachetest"
	"github.com/nemanja-m/jobwire/internal/descriptor"
	"github.com/nemanja-m/jobwire/internal/loop"
	"github.com/nemanja-m/jobwire/internal/records"
	"github.com/nemanja-m/jobwire/internal/shared/logging"
	"github.com/nemanja-m/jobwire/pkg/algorithm"
	"github.com/nemanja-m/jobwire/pkg/tuple"
)

type answer struct{}

func (answer) Process(input []byte) (any, error) { return 42, nil }

type greeter struct{}

func (greeter) Process(input []byte) (any, error) { return "hello " + string(input), nil }

type wordCount struct {
	written map[string]int64
}

func (w *wordCount) Map(key, value tuple.Tuple, r algorithm.Reducer) error {
	return r.Emit(value, tuple.Must(1))
}

func (w *wordCount) Reduce(key tuple.Tuple, values iter.Seq[tuple.Tuple], out algorithm.Writer) error {
	var n int64
	for range values {
		n++
	}
	return out.Emit(key, tuple.Must(n))
}

func (w *wordCount) Write(key, value tuple.Tuple) error {
	if w.written == nil {
		w.written = map[string]int64{}
	}
	word, _ := key.Str(0)
	n, _ := value.Int(0)
	w.written[word] += n
	return nil
}

type fixture struct {
	env    *Environment
	server *amqptest.Server
	memory *cachetest.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings := DefaultSettings()
	settings.BaseDirectory = t.TempDir()
	settings.TempDirectory = t.TempDir()

	f := &fixture{server: amqptest.NewServer(), memory: cachetest.NewMemory()}
	f.env = &Environment{
		Settings: settings,
		Logger:   logging.Nop(),
		Poller:   loop.NewPoller(),
		Dial:     f.server.Dial,
		NewCacheClient: func(string) cache.Client {
			return f.memory
		},
	}
	return f
}

func (f *fixture) connect(t *testing.T, options Options) *Connection {
	t.Helper()
	conn, err := NewConnection(f.env, options)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// replyWith answers every published descriptor on its temp queue.
func (f *fixture) replyWith(body string) {
	f.server.OnPublish(func(m amqptest.Message) {
		if queue := gjson.GetBytes(m.Body, "routingkey").String(); queue != "" {
			f.server.Reply(queue, []byte(body))
		}
	})
}

func encoded(t *testing.T, v string) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(v))
}

func TestTask_Result(t *testing.T) {
	f := newFixture(t)
	f.replyWith(`{"started":1700000000.5,"finished":1700000001.0,"runtime":0.5,"stdout":"` + encoded(t, "42") + `"}`)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
	require.NoError(t, err)
	require.NoError(t, j.Add([]byte("question")))

	res, err := j.Wait()
	require.NoError(t, err)
	require.True(t, res.Success())

	task, ok := res.(*TaskResult)
	require.True(t, ok)
	var n int
	require.NoError(t, task.Result(&n))
	require.Equal(t, 42, n)
	require.GreaterOrEqual(t, task.Runtime(), time.Duration(0))
	require.Equal(t, int64(1700000000), task.Started().Unix())

	published := f.server.Published()
	require.Len(t, published, 1)
	require.Equal(t, "jobs", published[0].Key)
}

func TestTask_Error(t *testing.T) {
	f := newFixture(t)
	f.replyWith(`{"stdout":"","stderr":"boom","executable":"jobwire-worker","arguments":["run"],"stdin":"header|abc"}`)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
	require.NoError(t, err)

	res, err := j.Wait()
	require.NoError(t, err)
	require.False(t, res.Success())

	var taskErr *TaskError
	require.ErrorAs(t, res.(error), &taskErr)
	require.Equal(t, "boom", taskErr.Stderr())
	require.True(t, strings.HasPrefix(taskErr.Command(), "echo "))
	require.Contains(t, taskErr.Command(), "| jobwire-worker run")
	require.Contains(t, taskErr.Error(), "boom")
}

func TestTask_EmptyStderrIsError(t *testing.T) {
	f := newFixture(t)
	f.replyWith(`{"stdout":"","stderr":"","executable":"jobwire-worker","arguments":["run"],"stdin":"header|abc"}`)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
	require.NoError(t, err)

	res, err := j.Wait()
	require.NoError(t, err)
	require.False(t, res.Success())

	var taskErr *TaskError
	require.ErrorAs(t, res.(error), &taskErr)
	require.Equal(t, "", taskErr.Stderr())
	require.Equal(t, "jobwire-worker failed", taskErr.Error())
}

func TestRace_Winner(t *testing.T) {
	f := newFixture(t)
	header, err := descriptor.Payload{Name: "clienttest.greeter"}.Encode()
	require.NoError(t, err)
	stdin, err := json.Marshal(header + encoded(t, "candidate"))
	require.NoError(t, err)
	f.replyWith(`{"processes":3,"runtime":0.25,"winner":{` +
		`"stdout":"` + encoded(t, `"alice"`) + `","stdin":` + string(stdin) + `,` +
		`"pid":1234,"exit":0,"started":10.5,"finished":11.0,"server":"node-1"}}`)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.RaceOf("clienttest.greeter", greeter{}))
	require.NoError(t, err)
	require.NoError(t, j.Add([]byte("alice")))
	require.NoError(t, j.Add([]byte("bob")))

	res, err := j.Wait()
	require.NoError(t, err)
	race, ok := res.(*RaceResult)
	require.True(t, ok)

	var name string
	require.NoError(t, race.Result(&name))
	require.Equal(t, "alice", name)
	require.Equal(t, int64(3), race.Processes())

	winner := race.Winner()
	require.NotNil(t, winner)
	require.Equal(t, int64(1234), winner.PID())
	require.Equal(t, int64(0), winner.Exit())
	require.Equal(t, "node-1", winner.Server())
	require.True(t, winner.Finished().After(winner.Started()))
	input, err := winner.Input()
	require.NoError(t, err)
	require.Equal(t, "candidate", string(input))
}

func TestMapReduce_ClusterFinalizers(t *testing.T) {
	f := newFixture(t)
	f.replyWith(`{"mappers":{"processes":4,"input":{"files":2,"bytes":100}},"finalizers":{"processes":2}}`)
	conn := f.connect(t, Options{})

	algo := &wordCount{}
	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", algo))
	require.NoError(t, err)
	require.NoError(t, j.AddKV(tuple.Must("a"), tuple.Must(1)))
	require.NoError(t, j.AddKV(tuple.Must("a"), tuple.Must(2)))
	require.NoError(t, j.AddKV(tuple.Must("b"), tuple.Must(3)))

	res, err := j.Wait()
	require.NoError(t, err)
	mr, ok := res.(*MapReduceResult)
	require.True(t, ok)
	require.Equal(t, int64(2), mr.Finalizers().Processes())
	require.Equal(t, int64(4), mr.Mappers().Processes())
	require.Equal(t, int64(2), mr.Mappers().Input().Files())
	require.Nil(t, mr.Reducers())
	require.Nil(t, algo.written)
}

func TestMapReduce_LocalFinalize(t *testing.T) {
	f := newFixture(t)
	base := f.env.Settings.BaseDirectory
	dir := filepath.Join(base, "tmp", "result")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	out := records.Create(filepath.Join(dir, "part0"), 1024)
	require.NoError(t, out.Add(records.KeyValue(tuple.Must("fox"), tuple.Must(2))))
	require.NoError(t, out.Add(records.KeyValue(tuple.Must("dog"), tuple.Must(1))))
	require.NoError(t, out.Close())

	f.replyWith(`{"finalizers":{"processes":0},"directory":"tmp/result","finalize":["tmp/result/part0"]}`)
	conn := f.connect(t, Options{})

	algo := &wordCount{}
	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", algo))
	require.NoError(t, err)
	require.NoError(t, j.MaxFinalizers(0))
	require.NoError(t, j.Map(tuple.Must(0), tuple.Must("the fox"), ""))

	require.NoError(t, j.Start())
	require.False(t, gjson.GetBytes(f.server.Published()[0].Body, "finalizer").Exists())

	res, err := j.Wait()
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, map[string]int64{"fox": 2, "dog": 1}, algo.written)
	require.NoDirExists(t, dir)
}

func TestPool_CompletionOrder(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})

	var queues []string
	f.server.OnPublish(func(m amqptest.Message) {
		queues = append(queues, gjson.GetBytes(m.Body, "routingkey").String())
	})

	pool := NewPool()
	var jobs []*Job
	for range 3 {
		j, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
		require.NoError(t, err)
		require.NoError(t, pool.Add(j))
		jobs = append(jobs, j)
	}
	require.Len(t, queues, 3)
	require.Equal(t, 3, pool.Size())

	reply := func(i int) {
		require.NoError(t, f.server.Reply(queues[i], []byte(`{"stdout":"`+encoded(t, "1")+`"}`)))
	}

	reply(1)
	require.Same(t, jobs[1], pool.Wait())
	require.Equal(t, 2, pool.Size())

	reply(2)
	require.Same(t, jobs[2], pool.Wait())
	require.Equal(t, 1, pool.Size())

	reply(0)
	require.Same(t, jobs[0], pool.Wait())
	require.Equal(t, 0, pool.Size())

	require.Nil(t, pool.Wait())
	require.Nil(t, pool.Fetch())
}

func TestPool_Fetch(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})

	var queues []string
	f.server.OnPublish(func(m amqptest.Message) {
		queues = append(queues, gjson.GetBytes(m.Body, "routingkey").String())
	})

	pool := NewPool()
	var jobs []*Job
	for range 2 {
		j, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
		require.NoError(t, err)
		require.NoError(t, pool.Add(j))
		jobs = append(jobs, j)
	}
	require.Nil(t, pool.Fetch())
	require.Equal(t, 2, pool.Size())

	require.NoError(t, f.server.Reply(queues[1], []byte(`{"stdout":"`+encoded(t, "1")+`"}`)))

	var fetched *Job
	require.Eventually(t, func() bool {
		fetched = pool.Fetch()
		return fetched != nil
	}, 2*time.Second, time.Millisecond)
	require.Same(t, jobs[1], fetched)

	require.Nil(t, pool.Fetch())
	require.Equal(t, 1, pool.Size())
}

func TestPool_DetachedJobs(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})

	var queues []string
	f.server.OnPublish(func(m amqptest.Message) {
		queues = append(queues, gjson.GetBytes(m.Body, "routingkey").String())
	})

	pool := NewPool()
	detached, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
	require.NoError(t, err)
	require.NoError(t, detached.Detach())
	require.ErrorIs(t, pool.Add(detached), ErrDetached)
	require.Equal(t, 0, pool.Size())

	var jobs []*Job
	for range 2 {
		j, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
		require.NoError(t, err)
		require.NoError(t, pool.Add(j))
		jobs = append(jobs, j)
	}
	require.NoError(t, jobs[0].Detach())
	require.Equal(t, 1, pool.Size())

	require.Len(t, queues, 3)
	require.NoError(t, f.server.Reply(queues[2], []byte(`{"stdout":"`+encoded(t, "1")+`"}`)))
	require.Same(t, jobs[1], pool.Wait())
	require.Nil(t, pool.Wait())
	require.Equal(t, 0, pool.Size())
}

func TestPool_RejectsForeignPoller(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)

	pool := NewPool()
	j, err := NewJob(f.connect(t, Options{}), algorithm.TaskOf("clienttest.answer", answer{}))
	require.NoError(t, err)
	require.NoError(t, pool.Add(j))

	foreign, err := NewJob(other.connect(t, Options{}), algorithm.TaskOf("clienttest.answer", answer{}))
	require.NoError(t, err)
	require.Error(t, pool.Add(foreign))
	require.Equal(t, 1, pool.Size())
}

func TestEnvelope_RoundTrip(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{Exchange: "jobs-x"})

	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
	require.NoError(t, err)
	require.NoError(t, j.Map(tuple.Must(0), tuple.Must("inline"), ""))
	require.NoError(t, j.AddKV(tuple.Must(1), tuple.Must("streamed")))

	data, err := j.MarshalBinary()
	require.NoError(t, err)
	require.NotEmpty(t, j.TempDirectory())

	revived, err := Unserialize(f.env, data)
	require.NoError(t, err)
	require.Nil(t, revived.Connection().rabbit)
	require.Equal(t, "jobs-x", revived.Connection().Options().Exchange)

	again, err := revived.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, string(data), string(again))

	require.ErrorIs(t, revived.MaxProcesses(3), ErrRejected)
	require.NoError(t, revived.AddKV(tuple.Must(2), tuple.Must("late")))
}

func TestEnvelope_Invalid(t *testing.T) {
	f := newFixture(t)

	_, err := Unserialize(f.env, []byte(`{"connection":{}}`))
	require.Error(t, err)
	_, err = Unserialize(f.env, []byte(`not json`))
	require.Error(t, err)
}

func TestEnvelope_UserDirectories(t *testing.T) {
	tests := []struct {
		name string
		dir  func(t *testing.T) string
	}{
		{"absolute", func(t *testing.T) string { return t.TempDir() }},
		{"relative", func(t *testing.T) string { return "data" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			base := f.env.Settings.BaseDirectory
			conn := f.connect(t, Options{})

			j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
			require.NoError(t, err)
			require.NoError(t, j.Directory(tt.dir(t), false, ""))
			require.NoError(t, j.AddKV(tuple.Must(0), tuple.Must("first")))

			data, err := j.MarshalBinary()
			require.NoError(t, err)
			own := j.TempDirectory()
			require.NotEmpty(t, own)
			before, err := os.ReadDir(filepath.Join(base, own))
			require.NoError(t, err)

			revived, err := Unserialize(f.env, data)
			require.NoError(t, err)
			require.Equal(t, own, revived.TempDirectory())

			require.NoError(t, revived.AddKV(tuple.Must(1), tuple.Must("second")))
			require.NoError(t, revived.Flush())

			after, err := os.ReadDir(filepath.Join(base, own))
			require.NoError(t, err)
			require.Len(t, after, len(before)+1)
			require.NoDirExists(t, filepath.Join(base, "data"))
		})
	}
}

func TestMarshalBinary_WithoutBaseDirectory(t *testing.T) {
	f := newFixture(t)
	f.env.Settings.BaseDirectory = ""
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
	require.NoError(t, err)
	_, err = j.MarshalBinary()
	require.ErrorIs(t, err, ErrNoDirectory)
}

func TestMaxFinalizersZero_DropsFinalizer(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
	require.NoError(t, err)
	require.NoError(t, j.MaxFinalizers(0))
	require.NoError(t, j.Start())

	body := f.server.Published()[0].Body
	require.False(t, gjson.GetBytes(body, "finalizer").Exists())
	require.True(t, gjson.GetBytes(body, "mapper").Exists())
}

func TestCachedInput(t *testing.T) {
	t.Run("small output becomes a cache object", func(t *testing.T) {
		f := newFixture(t)
		conn := f.connect(t, Options{Cache: "memcache://cache:11211", MaxCache: "1kb"})

		j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
		require.NoError(t, err)
		require.NoError(t, j.AddKV(tuple.Must(0), tuple.Must("the fox")))
		require.NoError(t, j.Start())

		inputs := gjson.GetBytes(f.server.Published()[0].Body, "input").Array()
		require.Len(t, inputs, 1)
		require.True(t, strings.HasPrefix(inputs[0].Get("filename").String(), records.CachePrefix))
		require.Equal(t, 1, f.memory.Keys())
		require.Empty(t, j.TempDirectory())
	})

	t.Run("large output becomes a file", func(t *testing.T) {
		f := newFixture(t)
		conn := f.connect(t, Options{Cache: "memcache://cache:11211", MaxCache: "1kb"})

		j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
		require.NoError(t, err)

		rng := rand.New(rand.NewPCG(1, 2))
		for i := range 64 {
			noise := make([]byte, 64)
			for k := range noise {
				noise[k] = byte(rng.UintN(256))
			}
			require.NoError(t, j.AddKV(tuple.Must(i), tuple.Must(base64.StdEncoding.EncodeToString(noise))))
		}
		require.NoError(t, j.Start())

		inputs := gjson.GetBytes(f.server.Published()[0].Body, "input").Array()
		require.Len(t, inputs, 1)
		require.Equal(t, j.TempDirectory(), inputs[0].Get("directory").String())
		require.Equal(t, 0, f.memory.Keys())
	})
}

func TestFlush_StartsNewFile(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
	require.NoError(t, err)
	require.NoError(t, j.AddKV(tuple.Must(0), tuple.Must("first")))
	require.NoError(t, j.Flush())
	require.NoError(t, j.AddKV(tuple.Must(1), tuple.Must("second")))
	require.NoError(t, j.Start())

	entries, err := os.ReadDir(filepath.Join(f.env.Settings.BaseDirectory, j.TempDirectory()))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestKnobs_RejectedAfterStart(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
	require.NoError(t, err)
	require.NoError(t, j.MaxMappers(4))
	require.NoError(t, j.Start())

	require.ErrorIs(t, j.MaxMappers(2), ErrRejected)
	require.ErrorIs(t, j.Add([]byte("late")), ErrRejected)
	_, err = j.Result()
	require.Error(t, err)
}

func TestDetach_WaitFails(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})

	j, err := NewJob(conn, algorithm.TaskOf("clienttest.answer", answer{}))
	require.NoError(t, err)
	require.NoError(t, j.Detach())

	_, err = j.Wait()
	require.ErrorIs(t, err, ErrDetached)
}

func TestGlob(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, Options{})
	dir := t.TempDir()
	for _, name := range []string{"a.log", "b.log", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.log"), 0o755))

	j, err := NewJob(conn, algorithm.MapReduceOf("clienttest.words", &wordCount{}))
	require.NoError(t, err)
	n, err := j.Glob(false, filepath.Join(dir, "*.log"))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, j.Start())

	inputs := gjson.GetBytes(f.server.Published()[0].Body, "input").Array()
	var names []string
	for _, in := range inputs {
		names = append(names, in.Get("filename").String())
	}
	require.ElementsMatch(t, []string{filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")}, names)
}

func TestNewConnection_Refused(t *testing.T) {
	f := newFixture(t)
	f.server.Refuse(errors.New("connection refused"))

	_, err := NewConnection(f.env, Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "rabbitmq error")

	lazy, err := ConnectionFromJSON(f.env, []byte(`{"address":"broker-1"}`))
	require.NoError(t, err)
	require.Equal(t, "broker-1", lazy.Options().Address)
	require.Equal(t, f.env.Settings.MapReduce, lazy.Options().MapReduce)
}

func TestNewConnection_InvalidMaxCache(t *testing.T) {
	f := newFixture(t)

	_, err := NewConnection(f.env, Options{MaxCache: "lots"})
	require.ErrorContains(t, err, "cache error")
}
