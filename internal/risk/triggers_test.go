package risk

import (
	"testing"

	"lv-paperdesk/internal/model"
	"lv-paperdesk/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestTrigger(t *testing.T) {
	long := model.Position{Side: types.PositionSideLong, Status: types.PositionStatusOpen, StopLoss: dp("44000"), TakeProfit: dp("48000")}
	short := model.Position{Side: types.PositionSideShort, Status: types.PositionStatusOpen, StopLoss: dp("2600"), TakeProfit: dp("2300")}
	closed := long
	closed.Status = types.PositionStatusClosed

	cases := []struct {
		name   string
		pos    model.Position
		price  string
		reason types.OrderReason
		fired  bool
	}{
		{"long above stop", long, "44800", "", false},
		{"long at stop", long, "44000", types.OrderReasonStopLoss, true},
		{"long below stop", long, "43900", types.OrderReasonStopLoss, true},
		{"long at target", long, "48000", types.OrderReasonTakeProfit, true},
		{"short at stop", short, "2600", types.OrderReasonStopLoss, true},
		{"short below target", short, "2250", types.OrderReasonTakeProfit, true},
		{"short in range", short, "2500", "", false},
		{"closed never fires", closed, "40000", "", false},
		{"no levels", model.Position{Side: types.PositionSideLong, Status: types.PositionStatusOpen}, "1", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reason, fired := Trigger(c.pos, d(c.price))
			assert.Equal(t, c.fired, fired)
			assert.Equal(t, c.reason, reason)
		})
	}
}
