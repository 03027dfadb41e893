package plan

// IntentType 表示意图的分类结果。
type IntentType string

const (
	// IntentSkill 表示该意图映射到单个技能调用。
	IntentSkill IntentType = "skill_invocation"
	// IntentHub 表示该意图映射到 Hub 的多步工作流。
	IntentHub IntentType = "hub_workflow"
	// IntentUnknown 是兜底分类，总是落到默认生成式处理器。
	IntentUnknown IntentType = "unknown"
)

// ActionType 表示单个步骤的派发方式。
type ActionType string

const (
	ActionSkill   ActionType = "skill"
	ActionHub     ActionType = "hub"
	ActionPersona ActionType = "persona"
)

// RiskLevel 表示计划的静态风险等级。
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Mode 区分真实执行与演练模式。演练模式会让授权阶段的风险分数减半。
type Mode string

const (
	ModeReal   Mode = "real"
	ModeDryRun Mode = "dry-run"
)

// UserIntent 描述一条未经解释的用户请求。创建后不可变。
type UserIntent struct {
	ID        string            `json:"intent_id"`
	Origin    string            `json:"origin"`
	RawInput  string            `json:"raw_input"`
	Type      IntentType        `json:"classified_type,omitempty"`
	Entities  map[string]string `json:"entities,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// ExecutionStep 是计划中的一个有序步骤。
type ExecutionStep struct {
	ID          string         `json:"step_id"`
	Order       int            `json:"order"`
	ActionType  ActionType     `json:"action_type"`
	Target      string         `json:"target"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params,omitempty"`
	Reversible  bool           `json:"reversible"`
	Description string         `json:"description"`
}

// ResourceFootprint 声明计划会触碰的资源。仅作为策略输入，
// 本核心不会在操作系统层面强制执行。
type ResourceFootprint struct {
	FilesRead      []string `json:"files_read,omitempty"`
	FilesWrite     []string `json:"files_write,omitempty"`
	FilesDelete    []string `json:"files_delete,omitempty"`
	Directories    []string `json:"directories,omitempty"`
	Repositories   []string `json:"repositories,omitempty"`
	ExternalAPIs   []string `json:"external_apis,omitempty"`
	Databases      []string `json:"databases,omitempty"`
	SystemServices []string `json:"system_services,omitempty"`
}

// Limits 描述执行阶段的资源上限，既用于计划的建议值，
// 也用于授权阶段下发的收紧值。
type Limits struct {
	MaxDurationMS       int64   `json:"max_duration_ms,omitempty"`
	MaxRetries          int     `json:"max_retries,omitempty"`
	MaxActionsPerSecond float64 `json:"max_actions_per_second,omitempty"`
}

// ExecutionPlan 是由意图编译得到的具体执行计划。
// 授权请求一旦基于它构建，计划即视为不可变；重试会产生新的计划。
type ExecutionPlan struct {
	ID                  string            `json:"plan_id"`
	IntentID            string            `json:"intent_id"`
	Steps               []ExecutionStep   `json:"steps"`
	Resources           ResourceFootprint `json:"resources"`
	RiskLevel           RiskLevel         `json:"risk_level"`
	PermissionsRequired []string          `json:"permissions_required,omitempty"`
	SuggestedLimits     *Limits           `json:"suggested_limits,omitempty"`
	Mode                Mode              `json:"mode"`
	Hub                 string            `json:"hub,omitempty"`
	EstimatedDurationMS int64             `json:"estimated_duration_ms"`
	CreatedAt           int64             `json:"created_at"`
}

// IsValidRiskLevel 检查风险等级是否为支持的枚举值。
func IsValidRiskLevel(level RiskLevel) bool {
	switch level {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// ExternalAPIs 返回计划资源中引用的全部外部 API 目标。
func (p *ExecutionPlan) ExternalAPIs() []string {
	if p == nil {
		return nil
	}
	return p.Resources.ExternalAPIs
}

// FileChangeCount 返回计划声明的文件写入与删除总数。
func (p *ExecutionPlan) FileChangeCount() int {
	if p == nil {
		return 0
	}
	return len(p.Resources.FilesWrite) + len(p.Resources.FilesDelete)
}
