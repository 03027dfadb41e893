// Package authz 实现授权门：对每一份执行计划做限流、熔断、
// 破坏性内容扫描与风险评分，输出放行、限制、人工确认或阻断的裁决。
// 授权门不做缓存，相同计划的每次提交都重新评估。
package authz
