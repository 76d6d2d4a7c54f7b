package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/conreg/internal/coordinator"
	"github.com/hewenyu/conreg/internal/fsm"
	"github.com/hewenyu/conreg/internal/raft"
	"github.com/hewenyu/conreg/pkg/protocol"
)

// respondError 把内部错误翻译为统一响应envelope。
// 重定向以HTTP 200返回，客户端读envelope中的Leader信息重试。
func respondError(c echo.Context, err error) error {
	var notLeader *raft.ErrNotLeader
	if errors.As(err, &notLeader) {
		return c.JSON(http.StatusOK, protocol.Redirect(notLeader.LeaderID, notLeader.LeaderAddr))
	}

	if code, ok := coordinator.ErrorCode(err); ok {
		return c.JSON(statusOf(code), protocol.Error(code, err.Error()))
	}

	code := codeOf(err)
	return c.JSON(statusOf(code), protocol.Error(code, err.Error()))
}

func codeOf(err error) protocol.Code {
	switch {
	case errors.Is(err, coordinator.ErrInvalidArg):
		return protocol.CodeInvalidArg
	case errors.Is(err, fsm.ErrConfigNotFound),
		errors.Is(err, fsm.ErrNamespaceNotFound),
		errors.Is(err, fsm.ErrHistoryNotFound),
		errors.Is(err, coordinator.ErrInstanceNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, fsm.ErrNamespaceExists):
		return protocol.CodeAlreadyExists
	case errors.Is(err, fsm.ErrNamespaceNotEmpty),
		errors.Is(err, raft.ErrNotLearner),
		errors.Is(err, raft.ErrLearnerLagging),
		errors.Is(err, raft.ErrMemberExists),
		errors.Is(err, raft.ErrMemberNotFound),
		errors.Is(err, raft.ErrLastVoter),
		errors.Is(err, raft.ErrInJointChange),
		errors.Is(err, raft.ErrAlreadyInitialized):
		return protocol.CodeConflict
	case errors.Is(err, raft.ErrUnavailable), errors.Is(err, raft.ErrHalted):
		return protocol.CodeUnavailable
	case errors.Is(err, coordinator.ErrTooManyWatches):
		return protocol.CodeTooMany
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return protocol.CodeTimeout
	default:
		return protocol.CodeInternal
	}
}

func statusOf(code protocol.Code) int {
	switch code {
	case protocol.CodeInvalidArg:
		return http.StatusBadRequest
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeAlreadyExists, protocol.CodeConflict:
		return http.StatusConflict
	case protocol.CodeUnavailable:
		return http.StatusServiceUnavailable
	case protocol.CodeTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeTooMany:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
