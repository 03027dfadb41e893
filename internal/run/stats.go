package run

// RunStats 聚合了运行状态的统计信息，常用于仪表盘或健康检查。
type RunStats struct {
	Total                int   `json:"total"`
	Pending              int   `json:"pending"`
	AwaitingConfirmation int   `json:"awaiting_confirmation"`
	Running              int   `json:"running"`
	Succeeded            int   `json:"succeeded"`
	Failed               int   `json:"failed"`
	Cancelled            int   `json:"cancelled"`
	OldestUpdatedAt      int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt      int64 `json:"newest_updated_at,omitempty"`
}
