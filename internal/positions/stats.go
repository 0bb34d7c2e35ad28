package positions

import (
	"context"

	"lv-paperdesk/internal/apperr"
	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/store"
	"lv-paperdesk/internal/types"

	"github.com/shopspring/decimal"
)

// TradeStats summarizes closed positions of an account.
type TradeStats struct {
	Closed        int             `json:"closed"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	WinRate       decimal.Decimal `json:"win_rate"`
	AverageWin    decimal.Decimal `json:"average_win"`
	AverageLoss   decimal.Decimal `json:"average_loss"`
	PayoffRatio   decimal.Decimal `json:"payoff_ratio"`
	TotalRealized decimal.Decimal `json:"total_realized"`
}

// Kelly returns the Kelly fraction W - (1-W)/R, floored at zero. ok is false
// when there is not enough history to derive one.
func (s TradeStats) Kelly() (fraction decimal.Decimal, ok bool) {
	if s.Wins == 0 || s.Losses == 0 || !s.PayoffRatio.IsPositive() {
		return decimal.Zero, false
	}
	one := decimal.NewFromInt(1)
	k := s.WinRate.Sub(one.Sub(s.WinRate).Div(s.PayoffRatio))
	if k.IsNegative() {
		k = decimal.Zero
	}
	return k, true
}

func (s *Service) Stats(ctx context.Context, accountID string) (TradeStats, error) {
	closed, err := s.repo.ListPositions(ctx, store.PositionFilter{AccountID: accountID, Status: types.PositionStatusClosed})
	if err != nil {
		return TradeStats{}, apperr.Persistence("positions.Stats", err)
	}
	return ComputeStats(closed), nil
}

func ComputeStats(closed []model.Position) TradeStats {
	var st TradeStats
	var sumWin, sumLoss decimal.Decimal
	for _, p := range closed {
		if p.RealizedPnL == nil {
			continue
		}
		st.Closed++
		pnl := *p.RealizedPnL
		st.TotalRealized = st.TotalRealized.Add(pnl)
		switch {
		case pnl.IsPositive():
			st.Wins++
			sumWin = sumWin.Add(pnl)
		case pnl.IsNegative():
			st.Losses++
			sumLoss = sumLoss.Add(pnl.Abs())
		}
	}
	if st.Closed > 0 {
		st.WinRate = decimal.NewFromInt(int64(st.Wins)).Div(decimal.NewFromInt(int64(st.Closed)))
	}
	if st.Wins > 0 {
		st.AverageWin = sumWin.Div(decimal.NewFromInt(int64(st.Wins)))
	}
	if st.Losses > 0 {
		st.AverageLoss = sumLoss.Div(decimal.NewFromInt(int64(st.Losses)))
	}
	if st.AverageLoss.IsPositive() {
		st.PayoffRatio = st.AverageWin.Div(st.AverageLoss)
	}
	return st
}
