// Package run 管理从用户意图到执行结果的完整生命周期：
// 提交时编译执行计划并创建运行记录，经消息队列异步消费，
// 消费侧先通过授权门裁决，再交给执行引擎落地。
// 等待确认的运行停在 awaiting_confirmation，确认通过后重新入队。
package run
