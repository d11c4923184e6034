// Package policy 实现提交前的乐观策略防线：纯函数的支出估算器加上
// 按固定顺序出码的会话策略评估器。链上合约才是最终裁决者，这里的
// 职责是在触网之前用稳定、可调试的结构化结果快速失败。
package policy
