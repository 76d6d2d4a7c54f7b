package fsm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/store"
	"github.com/hewenyu/conreg/pkg/model"
)

func newTestFSM(t *testing.T) *FSM {
	t.Helper()
	db, err := store.OpenConfDB(filepath.Join(t.TempDir(), "conf.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f, err := New(store.NewAppliedStore(db), 128, config.NewNopLogger())
	require.NoError(t, err)
	return f
}

func putCmd(ns, id, content, desc string) *Command {
	return &Command{
		Type:        CmdPutConfig,
		NamespaceID: ns,
		ConfigID:    id,
		Content:     content,
		Description: desc,
		Timestamp:   time.Now(),
	}
}

func TestFSM_DefaultNamespace(t *testing.T) {
	f := newTestFSM(t)

	// 默认命名空间始终存在
	ns, err := f.GetNamespace(model.DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultNamespace, ns.ID)
}

func TestFSM_PutGetAndMD5(t *testing.T) {
	f := newTestFSM(t)

	require.NoError(t, f.Apply(1, putCmd("public", "app.yaml", "k: 1", "")))

	entry, err := f.GetConfig("public", "app.yaml")
	require.NoError(t, err)
	assert.Equal(t, "k: 1", entry.Content)
	// 存储的md5与内容一致
	assert.Equal(t, model.ContentMD5(entry.Content), entry.MD5)

	// 缓存命中路径返回同一内容
	again, err := f.GetConfig("public", "app.yaml")
	require.NoError(t, err)
	assert.Equal(t, entry.MD5, again.MD5)
}

func TestFSM_PutIdenticalIsNoop(t *testing.T) {
	f := newTestFSM(t)

	require.NoError(t, f.Apply(1, putCmd("public", "x", "A", "d")))
	before, err := f.GetConfig("public", "x")
	require.NoError(t, err)

	// 内容与描述均相同：不追加历史，updated_at不变
	require.NoError(t, f.Apply(2, putCmd("public", "x", "A", "d")))

	after, err := f.GetConfig("public", "x")
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	total, _, err := f.ListHistory("public", "x", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// last_applied仍然推进，保证重启后不重放
	applied, err := f.LastApplied()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), applied)
}

func TestFSM_HistoryAndRestore(t *testing.T) {
	f := newTestFSM(t)

	// 三个版本A、B、C
	require.NoError(t, f.Apply(1, putCmd("public", "x", "A", "")))
	require.NoError(t, f.Apply(2, putCmd("public", "x", "B", "")))
	require.NoError(t, f.Apply(3, putCmd("public", "x", "C", "")))

	total, history, err := f.ListHistory("public", "x", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, "A", history[0].Content)
	assert.Equal(t, "B", history[1].Content)
	assert.Equal(t, "C", history[2].Content)

	// 恢复到A：行为等同一次内容为A的更新
	require.NoError(t, f.Apply(4, &Command{
		Type:        CmdRestoreConfig,
		NamespaceID: "public",
		ConfigID:    "x",
		HistorySeq:  history[0].HistorySeq,
		Timestamp:   time.Now(),
	}))

	entry, err := f.GetConfig("public", "x")
	require.NoError(t, err)
	assert.Equal(t, "A", entry.Content)

	// 历史现在有4行，末行是A
	total, history, err = f.ListHistory("public", "x", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, "A", history[3].Content)

	// 不存在的历史行
	err = f.Apply(5, &Command{
		Type:        CmdRestoreConfig,
		NamespaceID: "public",
		ConfigID:    "x",
		HistorySeq:  999,
		Timestamp:   time.Now(),
	})
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestFSM_DeleteConfig(t *testing.T) {
	f := newTestFSM(t)

	require.NoError(t, f.Apply(1, putCmd("public", "x", "A", "")))
	require.NoError(t, f.Apply(2, &Command{
		Type: CmdDeleteConfig, NamespaceID: "public", ConfigID: "x", Timestamp: time.Now(),
	}))

	_, err := f.GetConfig("public", "x")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	// 删除不存在的配置返回业务错误，但位点推进
	err = f.Apply(3, &Command{
		Type: CmdDeleteConfig, NamespaceID: "public", ConfigID: "x", Timestamp: time.Now(),
	})
	assert.ErrorIs(t, err, ErrConfigNotFound)
	applied, err := f.LastApplied()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), applied)
}

func TestFSM_Namespace(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now()

	require.NoError(t, f.Apply(1, &Command{
		Type: CmdCreateNamespace, NamespaceID: "dev", Name: "dev", Timestamp: now,
	}))

	// ID冲突
	err := f.Apply(2, &Command{
		Type: CmdCreateNamespace, NamespaceID: "dev", Name: "dev2", Timestamp: now,
	})
	assert.ErrorIs(t, err, ErrNamespaceExists)

	// 有配置引用时不可删除
	require.NoError(t, f.Apply(3, putCmd("dev", "a", "1", "")))
	err = f.Apply(4, &Command{Type: CmdDeleteNamespace, NamespaceID: "dev", Timestamp: now})
	assert.ErrorIs(t, err, ErrNamespaceNotEmpty)

	// 有服务引用时不可删除
	require.NoError(t, f.Apply(5, &Command{
		Type: CmdDeleteConfig, NamespaceID: "dev", ConfigID: "a", Timestamp: now,
	}))
	f.SetServiceCounter(func(ns string) int { return 1 })
	err = f.Apply(6, &Command{Type: CmdDeleteNamespace, NamespaceID: "dev", Timestamp: now})
	assert.ErrorIs(t, err, ErrNamespaceNotEmpty)

	// 无引用后可删除
	f.SetServiceCounter(func(ns string) int { return 0 })
	require.NoError(t, f.Apply(7, &Command{Type: CmdDeleteNamespace, NamespaceID: "dev", Timestamp: now}))
	_, err = f.GetNamespace("dev")
	assert.ErrorIs(t, err, ErrNamespaceNotFound)

	// 默认命名空间不可删除
	err = f.Apply(8, &Command{Type: CmdDeleteNamespace, NamespaceID: model.DefaultNamespace, Timestamp: now})
	assert.ErrorIs(t, err, ErrNamespaceNotEmpty)
}

func TestFSM_ChangeNotifier(t *testing.T) {
	f := newTestFSM(t)

	type event struct{ ns, id, md5 string }
	var events []event
	f.SetChangeNotifier(func(ns, id, md5 string) {
		events = append(events, event{ns, id, md5})
	})

	require.NoError(t, f.Apply(1, putCmd("public", "x", "A", "")))
	require.NoError(t, f.Apply(2, &Command{
		Type: CmdDeleteConfig, NamespaceID: "public", ConfigID: "x", Timestamp: time.Now(),
	}))

	require.Len(t, events, 2)
	assert.Equal(t, model.ContentMD5("A"), events[0].md5)
	// 删除通知携带空md5
	assert.Equal(t, "", events[1].md5)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	f := newTestFSM(t)
	require.NoError(t, f.Apply(1, putCmd("public", "x", "A", "")))
	require.NoError(t, f.Apply(2, putCmd("public", "x", "B", "")))

	data, err := f.Snapshot()
	require.NoError(t, err)

	other := newTestFSM(t)
	require.NoError(t, other.Restore(data, 2))

	entry, err := other.GetConfig("public", "x")
	require.NoError(t, err)
	assert.Equal(t, "B", entry.Content)
	applied, err := other.LastApplied()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), applied)
}
