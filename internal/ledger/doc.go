// Package ledger 负责执行台账:每一次计划执行(包括被策略拒绝的)落一条
// 终态记录,供审计与对账使用。运行时的执行结果不依赖台账写入成功。
package ledger
