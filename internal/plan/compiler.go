package plan

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultGenerativeTarget 是无法解析的意图最终落到的处理器。
// 编译永远不会失败，也永远不会产生空计划。
const DefaultGenerativeTarget = "skill.generative"

// rule 描述一条关键字分类规则。规则按顺序匹配，第一条命中即生效。
type rule struct {
	category   string
	keywords   []string
	intentType IntentType
	actionType ActionType
	target     string
	method     string
	risk       RiskLevel
	reversible bool
}

// defaultRules 是内置的分类规则表。顺序即优先级：
// 删除类规则必须排在写入类之前，否则 "delete file" 会被写入规则抢走。
var defaultRules = []rule{
	{
		category:   "file_delete",
		keywords:   []string{"delete", "remove", "rm ", "清理", "删除"},
		intentType: IntentSkill,
		actionType: ActionSkill,
		target:     "skill.filesystem",
		method:     "delete",
		risk:       RiskHigh,
	},
	{
		category:   "file_write",
		keywords:   []string{"write", "create file", "save", "modify", "写入", "保存"},
		intentType: IntentSkill,
		actionType: ActionSkill,
		target:     "skill.filesystem",
		method:     "write",
		risk:       RiskMedium,
		reversible: true,
	},
	{
		category:   "file_read",
		keywords:   []string{"read", "show", "cat ", "open file", "读取", "查看"},
		intentType: IntentSkill,
		actionType: ActionSkill,
		target:     "skill.filesystem",
		method:     "read",
		risk:       RiskLow,
		reversible: true,
	},
	{
		category:   "deploy",
		keywords:   []string{"deploy", "release", "rollout", "发布", "部署"},
		intentType: IntentHub,
		actionType: ActionHub,
		target:     "hub.delivery",
		method:     "deploy",
		risk:       RiskHigh,
	},
	{
		category:   "code_review",
		keywords:   []string{"review", "audit code", "检查代码", "评审"},
		intentType: IntentHub,
		actionType: ActionHub,
		target:     "hub.review",
		method:     "review",
		risk:       RiskMedium,
		reversible: true,
	},
	{
		category:   "database_query",
		keywords:   []string{"query", "select", "database", "sql", "查询"},
		intentType: IntentSkill,
		actionType: ActionSkill,
		target:     "skill.database",
		method:     "query",
		risk:       RiskMedium,
		reversible: true,
	},
	{
		category:   "http_fetch",
		keywords:   []string{"fetch", "download", "http", "request", "抓取"},
		intentType: IntentSkill,
		actionType: ActionSkill,
		target:     "skill.http",
		method:     "fetch",
		risk:       RiskLow,
		reversible: true,
	},
}

// categoryDurations 给出各类意图的预估执行时长（毫秒）。
var categoryDurations = map[string]int64{
	"file_delete":    2_000,
	"file_write":     2_000,
	"file_read":      1_000,
	"deploy":         120_000,
	"code_review":    60_000,
	"database_query": 5_000,
	"http_fetch":     10_000,
	"unknown":        30_000,
}

// categoryPermissions 给出各类意图需要的权限声明。
var categoryPermissions = map[string][]string{
	"file_delete":    {"fs:delete"},
	"file_write":     {"fs:write"},
	"file_read":      {"fs:read"},
	"deploy":         {"deploy:run", "git:push"},
	"code_review":    {"repo:read"},
	"database_query": {"database:read"},
	"http_fetch":     {"net:fetch"},
}

// Compiler 将用户意图编译为执行计划。编译总是成功：
// 模糊的意图退化为 unknown 分类，而不是报错。
type Compiler struct {
	rules []rule
	mode  Mode
}

// CompilerOption 定义可选的编译器配置。
type CompilerOption func(*Compiler)

// WithMode 设置编译出的计划的执行模式。
func WithMode(mode Mode) CompilerOption {
	return func(c *Compiler) {
		if mode == ModeDryRun {
			c.mode = ModeDryRun
			return
		}
		c.mode = ModeReal
	}
}

// NewCompiler 创建一个计划编译器。
func NewCompiler(opts ...CompilerOption) *Compiler {
	c := &Compiler{rules: defaultRules, mode: ModeReal}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Compile 将意图编译为执行计划。
func (c *Compiler) Compile(intent UserIntent) *ExecutionPlan {
	matched, category := c.classify(intent)

	now := time.Now()
	p := &ExecutionPlan{
		ID:        uuid.NewString(),
		IntentID:  intent.ID,
		Mode:      c.mode,
		CreatedAt: now.Unix(),
	}

	step := ExecutionStep{
		ID:          uuid.NewString(),
		Order:       1,
		Params:      stepParams(intent),
		Description: strings.TrimSpace(intent.RawInput),
	}

	if matched == nil {
		// 未命中任何规则：单步计划指向默认生成式处理器。
		step.ActionType = ActionSkill
		step.Target = DefaultGenerativeTarget
		step.Method = "generate"
		step.Reversible = true
		p.Steps = []ExecutionStep{step}
		p.RiskLevel = RiskMedium
		p.EstimatedDurationMS = categoryDurations["unknown"]
		return p
	}

	step.ActionType = matched.actionType
	step.Target = matched.target
	step.Method = matched.method
	step.Reversible = matched.reversible
	p.Steps = []ExecutionStep{step}
	p.RiskLevel = riskFor(matched)
	p.PermissionsRequired = append([]string(nil), categoryPermissions[category]...)
	p.EstimatedDurationMS = categoryDurations[category]
	if matched.intentType == IntentHub {
		p.Hub = matched.target
	}
	p.Resources = footprintFor(category, intent)
	p.SuggestedLimits = &Limits{
		MaxDurationMS:       p.EstimatedDurationMS * 2,
		MaxRetries:          3,
		MaxActionsPerSecond: 10,
	}
	return p
}

// Classify 仅做分类，返回意图分类结果。
func (c *Compiler) Classify(intent UserIntent) IntentType {
	matched, _ := c.classify(intent)
	if matched == nil {
		return IntentUnknown
	}
	return matched.intentType
}

func (c *Compiler) classify(intent UserIntent) (*rule, string) {
	input := strings.ToLower(intent.RawInput)
	for i := range c.rules {
		r := &c.rules[i]
		for _, kw := range r.keywords {
			if strings.Contains(input, kw) {
				return r, r.category
			}
		}
	}
	return nil, "unknown"
}

// riskFor 返回规则的风险等级。Hub 工作流以及文件写入和删除
// 永远不会被评为 low。
func riskFor(r *rule) RiskLevel {
	level := r.risk
	if !IsValidRiskLevel(level) {
		level = RiskMedium
	}
	if level == RiskLow {
		if r.intentType == IntentHub || r.category == "file_write" || r.category == "file_delete" {
			return RiskMedium
		}
	}
	return level
}

func stepParams(intent UserIntent) map[string]any {
	params := map[string]any{"input": intent.RawInput}
	for key, value := range intent.Entities {
		params[key] = value
	}
	return params
}

// footprintFor 根据意图实体推导资源占用声明。
func footprintFor(category string, intent UserIntent) ResourceFootprint {
	fp := ResourceFootprint{}
	path := strings.TrimSpace(intent.Entities["path"])
	switch category {
	case "file_read":
		if path != "" {
			fp.FilesRead = []string{path}
		}
	case "file_write":
		if path != "" {
			fp.FilesWrite = []string{path}
		}
	case "file_delete":
		if path != "" {
			fp.FilesDelete = []string{path}
		}
	case "database_query":
		if db := strings.TrimSpace(intent.Entities["database"]); db != "" {
			fp.Databases = []string{db}
		}
	case "http_fetch":
		if url := strings.TrimSpace(intent.Entities["url"]); url != "" {
			fp.ExternalAPIs = []string{url}
		}
	case "deploy":
		if repo := strings.TrimSpace(intent.Entities["repo"]); repo != "" {
			fp.Repositories = []string{repo}
		}
	}
	return fp
}
