// Package engine 实现计划的串行执行：按步骤顺序派发到技能与 Hub，
// 在步骤边界落检查点并响应协作式取消，同时把执行结果回写熔断器。
package engine
