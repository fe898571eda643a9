package harness

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// validate 执行跑后校验：对每个已解析合约按适用的 (周期, 数据类别)
// 组合发起历史回看查询并断言结果条数，再断言每个受测合约在运行期间
// 至少出现过一个行情数据点。任一缺口都是一致性失败。
func (s *Scheduler) validate(ctx context.Context) error {
	var verr error

	if s.history != nil {
		for _, family := range s.catalog.Families {
			contract, ok := s.run.resolved[family.Name]
			if !ok {
				continue
			}
			for _, check := range s.catalog.Checks {
				if !check.appliesTo(contract.Kind) {
					continue
				}
				bars, err := s.history.History(ctx, contract.Symbol, check.Lookback, check.Resolution, check.Kind)
				if err != nil {
					verr = multierr.Append(verr, fmt.Errorf("历史查询失败 %s/%s/%s: %w",
						contract.Symbol, check.Resolution, check.Kind, err))
					continue
				}
				switch {
				case check.ExpectedCount > 0 && len(bars) != check.ExpectedCount:
					verr = multierr.Append(verr, conformanceErrorf("历史数据不足 %s/%s/%s: 期望 %d 条，实际 %d 条",
						contract.Symbol, check.Resolution, check.Kind, check.ExpectedCount, len(bars)))
				case check.ExpectedCount == 0 && len(bars) == 0:
					verr = multierr.Append(verr, conformanceErrorf("历史数据为空 %s/%s/%s",
						contract.Symbol, check.Resolution, check.Kind))
				}
			}
		}
	}

	for _, family := range s.catalog.Families {
		contract, ok := s.run.resolved[family.Name]
		if !ok {
			continue
		}
		if s.run.observed[contract.Symbol] == 0 {
			verr = multierr.Append(verr, conformanceErrorf("标的 %s 在运行期间未出现任何行情数据", contract.Symbol))
		}
	}

	if verr != nil {
		return fmt.Errorf("跑后校验未通过: %w", verr)
	}
	return nil
}
