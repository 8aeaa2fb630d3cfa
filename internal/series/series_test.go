package series

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeries(t *testing.T) {
	mem := memory.NewGoAllocator()

	t.Run("int64 series", func(t *testing.T) {
		s := New("values", []int64{1, 2, 3}, mem)
		defer s.Release()

		assert.Equal(t, "values", s.Name())
		assert.Equal(t, 3, s.Len())
		assert.Equal(t, "int64", s.DataType().Name())
		assert.Equal(t, []int64{1, 2, 3}, s.Values())
	})

	t.Run("float64 series", func(t *testing.T) {
		s := New("ratio", []float64{0.5, 1.5}, mem)
		defer s.Release()

		assert.Equal(t, 2, s.Len())
		assert.InDelta(t, 1.5, s.Value(1), 1e-12)
	})

	t.Run("string series", func(t *testing.T) {
		s := New("name", []string{"a", "b"}, mem)
		defer s.Release()

		assert.Equal(t, "b", s.Value(1))
	})

	t.Run("bool series", func(t *testing.T) {
		s := New("flag", []bool{true, false, true}, mem)
		defer s.Release()

		assert.Equal(t, []bool{true, false, true}, s.Values())
	})
}

func TestSeriesValueOutOfBounds(t *testing.T) {
	mem := memory.NewGoAllocator()
	s := New("v", []int64{10}, mem)
	defer s.Release()

	assert.Equal(t, int64(0), s.Value(-1))
	assert.Equal(t, int64(0), s.Value(5))
}

func TestSeriesArrayRetains(t *testing.T) {
	mem := memory.NewGoAllocator()
	s := New("v", []int64{1, 2}, mem)
	defer s.Release()

	arr := s.Array()
	require.NotNil(t, arr)
	defer arr.Release()

	assert.Equal(t, 2, arr.Len())
	// The series stays valid after the caller releases its reference.
	assert.Equal(t, 2, s.Len())
}
