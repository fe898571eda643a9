package monitor

import (
	"time"

	"broker-conformance/internal/harness"
	"broker-conformance/internal/marketdata"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventRunStarted         EventType = "run_started"
	EventGate               EventType = "gate"
	EventResolution         EventType = "resolution"
	EventCaseResult         EventType = "case_result"
	EventConformanceFailure EventType = "conformance_failure"
	EventRunSummary         EventType = "run_summary"
	EventError              EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RunStartedPayload 记录一次运行的画像与受测家族。
type RunStartedPayload struct {
	RunID    string   `json:"run_id"`
	Profile  string   `json:"profile"`
	Families []string `json:"families"`
}

// GatePayload 记录前置条件未满足的诊断。
type GatePayload struct {
	RunID  string `json:"run_id"`
	Tick   int    `json:"tick"`
	Reason string `json:"reason"`
}

// ResolutionPayload 记录家族到具体合约的解析结果。
type ResolutionPayload struct {
	RunID    string                         `json:"run_id"`
	Resolved map[string]marketdata.Contract `json:"resolved"`
}

// CaseResultPayload 记录单个用例的执行详情。
type CaseResultPayload struct {
	RunID string             `json:"run_id"`
	Index int                `json:"index"`
	Case  harness.CaseResult `json:"case"`
}

// ConformanceFailurePayload 记录一致性失败。
type ConformanceFailurePayload struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// RunSummaryPayload 记录整次运行的统计汇总。
type RunSummaryPayload struct {
	RunID   string             `json:"run_id"`
	Summary harness.RunSummary `json:"summary"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
