package reconcile

import "github.com/dep2p/go-msgsync/pkg/types"

var (
	// ErrDeviceNotRegistered 设备未在会话中登记
	ErrDeviceNotRegistered = types.NewError(types.KindNotFound, "device not registered", nil)

	// ErrAdvanceBeyondKnown 推进目标超过已知序号
	ErrAdvanceBeyondKnown = types.NewError(types.KindValidation, "advance beyond known sequence", nil)

	// ErrSequenceGap 追赶时序号不连续
	ErrSequenceGap = types.NewError(types.KindSequenceGap, "sequence gap", nil)

	// ErrNilApplier 未提供应用函数
	ErrNilApplier = types.NewError(types.KindValidation, "nil applier", nil)
)
