package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogStore(t *testing.T) *LogStore {
	t.Helper()
	db, err := OpenRaftDB(filepath.Join(t.TempDir(), "raft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLogStore(db)
}

func TestLogStore_AppendAndRead(t *testing.T) {
	s := newTestLogStore(t)

	// 空日志
	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	// 追加一批条目
	entries := []LogEntry{
		{Term: 1, Index: 1, Payload: []byte("a")},
		{Term: 1, Index: 2, Payload: []byte("b")},
		{Term: 2, Index: 3, Payload: []byte("c")},
	}
	require.NoError(t, s.Append(entries))

	last, err = s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	// 单条读取
	e, err := s.Entry(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Term)
	assert.Equal(t, []byte("b"), e.Payload)

	// 不存在的索引
	_, err = s.Entry(9)
	assert.ErrorIs(t, err, ErrNotFound)

	// 区间读取
	got, err := s.Range(1, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[1].Index)
}

func TestLogStore_Truncate(t *testing.T) {
	s := newTestLogStore(t)

	var entries []LogEntry
	for i := uint64(1); i <= 10; i++ {
		entries = append(entries, LogEntry{Term: 1, Index: i})
	}
	require.NoError(t, s.Append(entries))

	// 截断冲突后缀
	require.NoError(t, s.TruncateSuffix(8))
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)

	// 快照后回收前缀
	require.NoError(t, s.TruncatePrefix(3))
	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), first)

	_, err = s.Entry(3)
	assert.ErrorIs(t, err, ErrNotFound)
}
