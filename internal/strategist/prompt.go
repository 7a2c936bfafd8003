package strategist

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const systemPrompt = `You are a conservative spot-crypto paper-trading strategist. You propose at
most a handful of entry conditions for a simulated long-only book. You never
invent facts about coins you are not given data for. You respond with a
single JSON object and nothing else.`

const userPromptTemplate = `Current prices (coin: price, 24h change):
{{range .Prices}}  {{.Coin}}: {{.Price}} ({{.Change24h}}%)
{{end}}
Coins to favor: {{.GoodCoins}}
Coins to avoid (blacklisted or underperforming): {{.AvoidCoins}}

Active regime rules:
{{range .Rules}}  - {{.Description}} => {{.Action}}
{{end}}

Winning patterns:
{{range .Patterns}}  - {{.PatternID}}: {{.Description}} (confidence {{.Confidence}})
{{end}}

Account: balance={{.Balance}} in_positions={{.InPositions}} open_positions={{.OpenPositionCount}}/{{.MaxPositions}}

Recent performance (last 24h): {{.RecentSummary}}

Propose up to {{.MaxConditions}} new LONG-only entry conditions. Rules you MUST follow:
  - direction must be "LONG"
  - position_size_usd must be between {{.MinSize}} and {{.MaxSize}}
  - stop_loss_pct must be between {{.MinSL}} and {{.MaxSL}}
  - take_profit_pct must be between {{.MinTP}} and {{.MaxTP}}
  - trigger_price must be within {{.MinTol}}-{{.MaxTol}} of the coin's current price
  - never propose a coin in the avoid list
  - every condition must include non-empty reasoning

Respond with exactly this JSON shape and nothing else:
{"conditions":[{"coin":"...","direction":"LONG","trigger_price":"...","trigger_condition":"ABOVE|BELOW","stop_loss_pct":"...","take_profit_pct":"...","position_size_usd":"...","reasoning":"..."}],"market_assessment":"...","no_trade_reason":""}`

var promptTmpl = template.Must(template.New("strategist_user").Parse(userPromptTemplate))

type promptPriceRow struct {
	Coin      string
	Price     decimal.Decimal
	Change24h decimal.Decimal
}

type promptData struct {
	Prices            []promptPriceRow
	GoodCoins         string
	AvoidCoins        string
	Rules             []types.RegimeRule
	Patterns          []types.TradingPattern
	Balance           decimal.Decimal
	InPositions       decimal.Decimal
	OpenPositionCount int
	MaxPositions      int
	RecentSummary     string
	MaxConditions     int
	MinSize, MaxSize  decimal.Decimal
	MinSL, MaxSL      decimal.Decimal
	MinTP, MaxTP      decimal.Decimal
	MinTol, MaxTol    decimal.Decimal
}

func buildUserPrompt(d promptData) (string, error) {
	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func joinCoins(coins []string) string {
	if len(coins) == 0 {
		return "(none)"
	}
	return strings.Join(coins, ", ")
}
