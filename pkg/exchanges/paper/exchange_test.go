package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/pkg/exchanges/common"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOpenAddClose(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{APIKey: "k", Prices: map[string]decimal.Decimal{"BTCUSDT": d("100")}})

	res, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, PositionSide: common.PositionLong, Qty: d("1")})
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.True(t, res.AvgPrice.Equal(d("100")))

	ex.SetPrice("BTCUSDT", d("90"))
	_, err = ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, PositionSide: common.PositionLong, Qty: d("1")})
	require.NoError(t, err)

	pos, err := ex.GetPosition(ctx, "BTCUSDT", common.PositionLong)
	require.NoError(t, err)
	assert.True(t, pos.Qty.Equal(d("2")))
	assert.True(t, pos.AvgPrice.Equal(d("95")))

	_, err = ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, PositionSide: common.PositionLong, Qty: d("3"), ReduceOnly: true})
	var apiErr *common.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Retryable())

	_, err = ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideSell, PositionSide: common.PositionLong, Qty: d("2"), ReduceOnly: true})
	require.NoError(t, err)
	pos, _ = ex.GetPosition(ctx, "BTCUSDT", common.PositionLong)
	assert.True(t, pos.Qty.IsZero())
	assert.Len(t, ex.Orders(), 3)
}

func TestShortLegIsIndependent(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{APIKey: "k", Prices: map[string]decimal.Decimal{"ETHUSDT": d("10")}})
	_, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "ETHUSDT", Side: common.SideSell, PositionSide: common.PositionShort, Qty: d("4")})
	require.NoError(t, err)

	long, _ := ex.GetPosition(ctx, "ETHUSDT", common.PositionLong)
	short, _ := ex.GetPosition(ctx, "ETHUSDT", common.PositionShort)
	assert.True(t, long.Qty.IsZero())
	assert.True(t, short.Qty.Equal(d("4")))
}

func TestPartialFillThenComplete(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{APIKey: "k", Prices: map[string]decimal.Decimal{"BTCUSDT": d("100")}})
	ex.PartialNext(d("0.4"))

	res, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, PositionSide: common.PositionLong, Qty: d("10")})
	require.NoError(t, err)
	assert.Equal(t, common.StatusPartial, res.Status)
	assert.True(t, res.FilledQty.Equal(d("4")))

	pos, _ := ex.GetPosition(ctx, "BTCUSDT", common.PositionLong)
	assert.True(t, pos.Qty.Equal(d("4")))

	ex.SetPrice("BTCUSDT", d("110"))
	require.NoError(t, ex.CompleteOrder(res.OrderID))
	pos, _ = ex.GetPosition(ctx, "BTCUSDT", common.PositionLong)
	assert.True(t, pos.Qty.Equal(d("10")))
	assert.True(t, pos.AvgPrice.Equal(d("106")))
	assert.Error(t, ex.CompleteOrder(res.OrderID))
}

func TestCancelKeepsFilledPart(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{APIKey: "k", Prices: map[string]decimal.Decimal{"BTCUSDT": d("100")}})
	ex.PartialNext(d("0.5"))
	res, err := ex.PlaceOrder(ctx, common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, PositionSide: common.PositionLong, Qty: d("2")})
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", res.OrderID))

	assert.Equal(t, common.StatusCanceled, ex.Orders()[0].Status)
	pos, _ := ex.GetPosition(ctx, "BTCUSDT", common.PositionLong)
	assert.True(t, pos.Qty.Equal(d("1")))
}

func TestPingAndFailures(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, New(Config{}).Ping(ctx))

	ex := New(Config{APIKey: "k"})
	require.NoError(t, ex.Ping(ctx))
	_, err := ex.GetPrice(ctx, "BTCUSDT")
	assert.Error(t, err)

	ex.SetPrice("BTCUSDT", d("1"))
	ex.FailNext(ErrUnavailable, 1)
	_, err = ex.GetPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = ex.GetPrice(ctx, "BTCUSDT")
	assert.NoError(t, err)
}
