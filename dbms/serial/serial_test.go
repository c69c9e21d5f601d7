package serial

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode[K any](s KeySerializer[K], k K) []byte {
	buf := make([]byte, s.Size(k))
	n := s.Serialize(k, buf)
	return buf[:n]
}

func TestInt64OrderPreserving(t *testing.T) {
	s := Int64{}
	vals := []int64{math.MinInt64, -1000, -1, 0, 1, 42, 1 << 40, math.MaxInt64}
	for i := 1; i < len(vals); i++ {
		a, b := encode[int64](s, vals[i-1]), encode[int64](s, vals[i])
		assert.Equal(t, -1, bytes.Compare(a, b), "%d vs %d", vals[i-1], vals[i])
	}
	for _, v := range vals {
		got, n := s.Deserialize(encode[int64](s, v))
		assert.Equal(t, 8, n)
		assert.Equal(t, v, got)
	}
}

func TestStringLexicographic(t *testing.T) {
	s := String{}
	keys := []string{"10", "1", "2", "100", "", "é", "z"}
	sorted := append([]string(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return s.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, []string{"", "1", "10", "100", "2", "z", "é"}, sorted)

	got, n := s.Deserialize(encode[string](s, "héllo"))
	assert.Equal(t, "héllo", got)
	assert.Equal(t, len("héllo"), n)
}

func TestUUIDRoundTrip(t *testing.T) {
	s := UUID{}
	u := uuid.New()
	got, n := s.Deserialize(encode[uuid.UUID](s, u))
	assert.Equal(t, 16, n)
	assert.Equal(t, u, got)
	assert.Equal(t, 0, s.Compare(u, got))
}

func TestRID(t *testing.T) {
	r := RID{ClusterID: 7, Position: -3}
	buf := make([]byte, RIDSize)
	r.Put(buf)
	require.Equal(t, r, ReadRID(buf))
	assert.Equal(t, "#7:-3", r.String())

	assert.Equal(t, -1, RID{1, 9}.Compare(RID{2, 0}))
	assert.Equal(t, 1, RID{1, 9}.Compare(RID{1, 8}))
	assert.Equal(t, 0, RID{1, 9}.Compare(RID{1, 9}))
}

func TestSerializerIDsDistinct(t *testing.T) {
	ids := map[byte]bool{String{}.ID(): true, Int64{}.ID(): true, UUID{}.ID(): true}
	assert.Len(t, ids, 3)
}
