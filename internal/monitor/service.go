package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker-conformance/internal/harness"
	"broker-conformance/internal/marketdata"
	"broker-conformance/internal/store"
)

// Service 负责持久化一致性运行的监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS conformance_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conformance_events_type ON conformance_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conformance_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordRunStarted 记录运行开始。
func (s *Service) RecordRunStarted(ctx context.Context, runID, profile string, families []string) {
	if err := s.Record(ctx, Event{
		Type:      EventRunStarted,
		Timestamp: time.Now().UTC(),
		Payload:   RunStartedPayload{RunID: runID, Profile: profile, Families: families},
	}); err != nil {
		s.logger.Warn("记录运行开始事件失败", zap.Error(err))
	}
}

// RecordGate 记录前置条件诊断。
func (s *Service) RecordGate(ctx context.Context, runID string, tick int, reason string) {
	if err := s.Record(ctx, Event{
		Type:      EventGate,
		Timestamp: time.Now().UTC(),
		Payload:   GatePayload{RunID: runID, Tick: tick, Reason: reason},
	}); err != nil {
		s.logger.Warn("记录前置条件事件失败", zap.Error(err))
	}
}

// RecordResolution 记录合约解析结果。
func (s *Service) RecordResolution(ctx context.Context, runID string, resolved map[string]marketdata.Contract) {
	if err := s.Record(ctx, Event{
		Type:      EventResolution,
		Timestamp: time.Now().UTC(),
		Payload:   ResolutionPayload{RunID: runID, Resolved: resolved},
	}); err != nil {
		s.logger.Warn("记录解析事件失败", zap.Error(err))
	}
}

// RecordCaseResult 记录用例执行详情。
func (s *Service) RecordCaseResult(ctx context.Context, runID string, index int, result harness.CaseResult) {
	if err := s.Record(ctx, Event{
		Type:      EventCaseResult,
		Timestamp: time.Now().UTC(),
		Payload:   CaseResultPayload{RunID: runID, Index: index, Case: result},
	}); err != nil {
		s.logger.Warn("记录用例事件失败", zap.Error(err))
	}
}

// RecordConformanceFailure 记录一致性失败。
func (s *Service) RecordConformanceFailure(ctx context.Context, runID string, failure error) {
	if err := s.Record(ctx, Event{
		Type:      EventConformanceFailure,
		Timestamp: time.Now().UTC(),
		Payload:   ConformanceFailurePayload{RunID: runID, Message: failure.Error()},
	}); err != nil {
		s.logger.Warn("记录一致性失败事件失败", zap.Error(err))
	}
}

// RecordRunSummary 记录运行汇总。
func (s *Service) RecordRunSummary(ctx context.Context, runID string, summary harness.RunSummary) {
	if err := s.Record(ctx, Event{
		Type:      EventRunSummary,
		Timestamp: time.Now().UTC(),
		Payload:   RunSummaryPayload{RunID: runID, Summary: summary},
	}); err != nil {
		s.logger.Warn("记录运行汇总事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM conformance_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
