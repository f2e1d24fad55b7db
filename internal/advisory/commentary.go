package advisory

import (
	"errors"
	"fmt"
	"strings"
)

// Commentary 表示大模型对一条信号的点评结果。
// 点评仅用于记录与人工复盘，不参与任何交易决策。
type Commentary struct {
	Stance      string  `json:"stance"`
	Agreement   float64 `json:"agreement"`
	Rationale   string  `json:"rationale"`
	RiskComment string  `json:"risk_comment"`
}

var validStances = map[string]struct{}{
	"AGREE":    {},
	"DISAGREE": {},
	"NEUTRAL":  {},
}

// Validate 校验点评字段合法性。
func (c Commentary) Validate() error {
	stance := strings.ToUpper(strings.TrimSpace(c.Stance))
	if stance == "" {
		return errors.New("stance 不能为空")
	}
	if _, ok := validStances[stance]; !ok {
		return fmt.Errorf("stance 字段取值非法: %s", c.Stance)
	}
	if c.Agreement < 0 || c.Agreement > 1 {
		return fmt.Errorf("agreement 必须在 [0,1] 区间，目前为 %f", c.Agreement)
	}
	if strings.TrimSpace(c.Rationale) == "" {
		return errors.New("rationale 不能为空")
	}
	return nil
}
