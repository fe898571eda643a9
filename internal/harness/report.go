package harness

import (
	"time"

	"broker-conformance/internal/venue"
)

// CaseAction 表示单个用例在一帧内的执行结果动作。
type CaseAction string

const (
	ActionSubmitted  CaseAction = "submitted"
	ActionLiquidated CaseAction = "liquidated"
	ActionCancelled  CaseAction = "cancelled"
	ActionSkipped    CaseAction = "skipped"
	ActionWaiting    CaseAction = "waiting"
)

// CaseResult 记录一个用例本帧的执行详情。
type CaseResult struct {
	Type     venue.OrderType         `json:"type"`
	Action   CaseAction              `json:"action"`
	Statuses map[string]venue.Status `json:"statuses,omitempty"`
	Notes    []string                `json:"notes,omitempty"`
}

func newCaseResult(typ venue.OrderType) *CaseResult {
	return &CaseResult{Type: typ, Statuses: make(map[string]venue.Status)}
}

func (r *CaseResult) note(msg string) {
	r.Notes = append(r.Notes, msg)
}

// TickReport 描述调度器处理一帧行情后的状态。
type TickReport struct {
	State      State       `json:"state"`
	Gated      bool        `json:"gated"`
	GateReason string      `json:"gate_reason,omitempty"`
	Case       *CaseResult `json:"case,omitempty"`
	Completed  bool        `json:"completed"`
	Summary    *RunSummary `json:"summary,omitempty"`
}

// RunSummary 汇总一次完整运行的统计指标。
type RunSummary struct {
	Profile         string         `json:"profile"`
	Ticks           int            `json:"ticks"`
	GatedTicks      int            `json:"gated_ticks"`
	CasesDispatched int            `json:"cases_dispatched"`
	OrdersSubmitted int            `json:"orders_submitted"`
	Cancels         int            `json:"cancels"`
	Liquidations    int            `json:"liquidations"`
	SoftSkips       int            `json:"soft_skips"`
	Observed        map[string]int `json:"observed"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}
