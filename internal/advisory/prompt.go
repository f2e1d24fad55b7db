package advisory

import (
	"bytes"
	"fmt"
	"text/template"

	"confluence-trader/internal/indicator"
	"confluence-trader/internal/trade"
)

const commentTemplate = `
你是一位资深的加密货币合约交易员。下面是一套确定性规则引擎刚刚生成的交易信号，
请从独立视角点评这条信号的质量。你的点评只用于事后复盘，不会影响任何下单行为。

信号内容：
- 交易对: {{ .Signal.Symbol }} ({{ .Signal.Timeframe }})
- 方向: {{ .Signal.Direction }}
- 置信度: {{ printf "%.1f" .Signal.Confidence }} (多头 {{ printf "%.1f" .Signal.LongScore }} / 空头 {{ printf "%.1f" .Signal.ShortScore }})
- 入场: {{ .Signal.Entry }} 止损: {{ .Signal.Stop }} 止盈: {{ .Signal.Target }} (盈亏比 {{ printf "%.2f" .Signal.RR }})
- 依据: {{ range .Signal.Reasons }}{{ . }}; {{ end }}

关键指标：
- 收盘价 {{ .Indicators.Close }}，EMA20 {{ printf "%.4f" .Indicators.EMA20 }}，EMA50 {{ printf "%.4f" .Indicators.EMA50 }}
- RSI {{ printf "%.1f" .Indicators.RSI }}，ADX {{ printf "%.1f" .Indicators.ADX }}
- MACD 柱 {{ printf "%.6f" .Indicators.MACD.Histogram }} (前值 {{ printf "%.6f" .Indicators.MACD.PrevHistogram }})
- ATR {{ printf "%.4f" .Indicators.ATR.Absolute }} ({{ printf "%.2f" .Indicators.ATR.Relative }}%)
- 量比 {{ printf "%.2f" .Indicators.Volume.Ratio }}

请严格输出唯一的 JSON 对象，格式如下：
{
  "stance": "AGREE|DISAGREE|NEUTRAL",   // 是否认同该信号
  "agreement": 0.0-1.0,                  // 认同程度
  "rationale": "...",                   // 点评的关键理由
  "risk_comment": "..."                 // 需要额外注意的风险
}
`

var tmpl = template.Must(template.New("comment").Parse(commentTemplate))

type promptContext struct {
	Signal     trade.Signal
	Indicators indicator.Result
}

// BuildPrompt 将信号与指标渲染成提示词字符串。
func BuildPrompt(signal trade.Signal, ind indicator.Result) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptContext{Signal: signal, Indicators: ind}); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
