package command

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/atmx/paper-ledger/internal/model"
)

var printer = message.NewPrinter(language.English)

// money renders d as dollars with thousands separators, e.g. $98,500.00.
// The amount stays decimal; only the integer part goes through the printer
// for grouping.
func money(d decimal.Decimal) string {
	r := d.Round(2)
	sign := ""
	if r.IsNegative() {
		sign = "-"
		r = r.Abs()
	}
	whole := r.Truncate(0)
	cents := r.Sub(whole).Shift(2).IntPart()
	return fmt.Sprintf("%s$%s.%02d", sign, printer.Sprintf("%d", whole.IntPart()), cents)
}

func percent(d decimal.Decimal) string {
	s := d.StringFixed(2) + "%"
	if d.IsPositive() {
		s = "+" + s
	}
	return s
}

func shares(d decimal.Decimal) string {
	return d.String()
}

func formatBuy(r *model.BuyResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Bought %s %s @ %s (cost %s).\n",
		shares(r.Trade.Quantity), r.Trade.Ticker, money(r.Trade.Price), money(r.Trade.Cost))
	fmt.Fprintf(&b, "Position: %s %s @ avg %s\n",
		shares(r.Position.Shares), r.Position.Ticker, money(r.Position.AvgPrice))
	fmt.Fprintf(&b, "Cash: %s", money(r.Balance))
	return b.String()
}

func formatPortfolio(name string, v *model.Valuation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Portfolio for %s*\n\n", name)
	if len(v.Positions) == 0 {
		b.WriteString("No open positions.\n")
	}
	for _, li := range v.Positions {
		if li.Degraded {
			fmt.Fprintf(&b, "• *%s*: %s @ %s = %s ⚠️ price unavailable, valued at cost\n",
				li.Ticker, shares(li.Shares), money(li.AvgPrice), money(li.MarketValue))
			continue
		}
		fmt.Fprintf(&b, "• *%s*: %s @ %s → %s (%s) = %s\n",
			li.Ticker, shares(li.Shares), money(li.AvgPrice), money(li.CurrentPrice),
			percent(li.PctChange), money(li.MarketValue))
	}
	fmt.Fprintf(&b, "\nCash: %s\nNet worth: *%s*", money(v.Cash), money(v.NetWorth))
	return b.String()
}

func formatLeaderboard(standings []model.Standing) string {
	if len(standings) == 0 {
		return "🏆 No one has bought anything yet."
	}
	var b strings.Builder
	b.WriteString("🏆 *Leaderboard*\n\n")
	for i, s := range standings {
		name := s.Holder.DisplayName
		if name == "" {
			name = s.Holder.ID
		}
		fmt.Fprintf(&b, "%d. %s: %s", i+1, name, money(s.NetWorth))
		if s.Degraded {
			b.WriteString(" ⚠️")
		}
		if i < len(standings)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
