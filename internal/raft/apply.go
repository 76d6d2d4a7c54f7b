package raft

import (
	"errors"
	"time"

	"github.com/hewenyu/conreg/internal/fsm"
)

// applyLoop 按日志顺序把已提交条目送入状态机。
// 应用严格串行，业务错误回给提案方，存储错误使节点停止推进。
func (n *Node) applyLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applyNotify:
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.halted.Load() || n.applied >= n.commitIdx {
			n.mu.Unlock()
			return
		}
		index := n.applied + 1
		n.mu.Unlock()

		entry, err := n.logs.Entry(index)
		if err != nil {
			n.halt(err)
			return
		}

		var applyErr error
		switch entry.Type {
		case EntryNormal:
			cmd, decodeErr := fsm.DecodeCommand(entry.Payload)
			if decodeErr != nil {
				// 无法解析的命令：推进位点并拒绝提案方
				if err := n.sm.ApplyNoop(index); err != nil {
					n.halt(err)
					return
				}
				applyErr = decodeErr
			} else {
				applyErr = n.sm.Apply(index, cmd)
				if applyErr != nil && !isBusinessErr(applyErr) {
					// 存储失败：绝不跳过，停止推进等待快照恢复
					n.halt(applyErr)
					n.waiters.Trigger(index, ErrHalted)
					return
				}
			}
		case EntryNoop, EntryMembership:
			if err := n.sm.ApplyNoop(index); err != nil {
				n.halt(err)
				return
			}
		default:
			if err := n.sm.ApplyNoop(index); err != nil {
				n.halt(err)
				return
			}
		}

		n.mu.Lock()
		n.applied = index
		n.appliedGauge.Store(index)
		n.mu.Unlock()

		n.waiters.Trigger(index, applyErr)

		// 成员变更提交后的后续动作
		if entry.Type == EntryMembership {
			if m, err := DecodeMembership(entry.Payload); err == nil {
				if m.InJoint() {
					n.maybeFinishJoint()
				} else {
					n.maybeStepDownRemoved()
				}
			}
		}

		n.maybeSnapshot()
	}
}

// isBusinessErr 区分应用层结果与存储故障。
// 业务错误对所有副本一致（日志串行决定），可以安全继续。
func isBusinessErr(err error) bool {
	return errors.Is(err, fsm.ErrNamespaceExists) ||
		errors.Is(err, fsm.ErrNamespaceNotFound) ||
		errors.Is(err, fsm.ErrNamespaceNotEmpty) ||
		errors.Is(err, fsm.ErrConfigNotFound) ||
		errors.Is(err, fsm.ErrHistoryNotFound) ||
		errors.Is(err, fsm.ErrUnknownCommand)
}

// AppliedIndex 返回已应用索引（观测值）
func (n *Node) AppliedIndex() uint64 { return n.appliedGauge.Load() }

// CommitIndex 返回提交索引（观测值）
func (n *Node) CommitIndex() uint64 { return n.commitGauge.Load() }

// Term 返回当前任期（观测值）
func (n *Node) Term() uint64 { return n.termGauge.Load() }

// WaitApplied 等待本地应用推进到指定索引，用于追赶读
func (n *Node) WaitApplied(index uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n.appliedGauge.Load() >= index {
			return true
		}
		time.Sleep(tickInterval)
	}
	return n.appliedGauge.Load() >= index
}
