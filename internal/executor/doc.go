// Package executor 是计划执行的编排层:固定顺序地完成形态校验、策略
// 评估、交易提交与确认,把每条路径映射成固定的结果形态,并保证每次
// 执行恰好向台账写一条终态记录。试运行在策略评估后即停,绝不触网。
package executor
