// Package lib 包含与业务组件无关的基础设施工具库
//
//   - log: 基于 slog 的分组件日志
//
// # 与 pkg/ 其他目录的关系
//
//   - interfaces/: 组件之间的能力接口
//   - types/: 公共类型与错误
//   - protocol/: 线上帧格式
//   - lib/: 基础设施工具库（本目录）
package lib
