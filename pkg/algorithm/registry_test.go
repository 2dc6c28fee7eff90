package algorithm

import (
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/jobwire/pkg/tuple"
)

type upper struct {
	Suffix string `json:"suffix"`
}

func (u *upper) Process(input []byte) (any, error) {
	return strings.ToUpper(string(input)) + u.Suffix, nil
}

type count struct{}

func (count) Map(key, value tuple.Tuple, r Reducer) error { return r.Emit(value, tuple.Must(1)) }

func (count) Reduce(key tuple.Tuple, values iter.Seq[tuple.Tuple], w Writer) error {
	return nil
}

func (count) Write(key, value tuple.Tuple) error { return nil }

func TestRegistry(t *testing.T) {
	require.NoError(t, RegisterTask("test-upper", func() Task { return &upper{} }))
	require.NoError(t, RegisterMapReduce("test-count", func() MapReduce { return &count{} }))
	require.Error(t, RegisterTask("test-upper", func() Task { return &upper{} }))

	kind, err := Lookup("test-upper")
	require.NoError(t, err)
	require.Equal(t, KindTask, kind)

	_, err = Lookup("missing")
	require.Error(t, err)

	names := List()
	require.Contains(t, names, "test-upper")
	require.Contains(t, names, "test-count")
}

func TestRevive_RestoresState(t *testing.T) {
	require.NoError(t, RegisterTask("test-revive", func() Task { return &upper{} }))

	state, err := TaskOf("test-revive", &upper{Suffix: "!"}).State()
	require.NoError(t, err)

	a, err := Revive("test-revive", state)
	require.NoError(t, err)
	require.Equal(t, KindTask, a.Kind())

	out, err := a.Process([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, "HI!", out)

	_, ok := a.MapReduce()
	require.False(t, ok)
}

func TestRevive_Errors(t *testing.T) {
	_, err := Revive("missing", nil)
	require.Error(t, err)

	require.NoError(t, RegisterTask("test-bad-state", func() Task { return &upper{} }))
	_, err = Revive("test-bad-state", []byte(`{"suffix": 1}`))
	require.Error(t, err)
}

func TestProcess_RejectsMapReduce(t *testing.T) {
	_, err := MapReduceOf("count", count{}).Process(nil)
	var kindErr *KindError
	require.ErrorAs(t, err, &kindErr)
}
