package kis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"kis-autotrader/pkg/exchanges/common"
)

const (
	pathOrder        = "/uapi/overseas-stock/v1/trading/order"
	pathReviseCancel = "/uapi/overseas-stock/v1/trading/order-rvsecncl"
)

// ErrNoOrderNo is returned when the broker accepts an order without a number.
var ErrNoOrderNo = errors.New("kis: order accepted without order number")

type orderResponse struct {
	Output struct {
		OrderNo string `json:"ODNO"`
	} `json:"output"`
}

// PlaceOrder submits a limit order. The mock venue accepts limit orders
// only, so every order is sent as ORD_DVSN 00.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (*common.OrderResult, error) {
	cano, prdt, err := c.account()
	if err != nil {
		return nil, err
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("kis: order qty must be positive, got %d", req.Qty)
	}
	body := map[string]string{
		"CANO":            cano,
		"ACNT_PRDT_CD":    prdt,
		"OVRS_EXCG_CD":    OrderExchange(req.Exchange),
		"PDNO":            req.Symbol,
		"ORD_QTY":         strconv.FormatInt(req.Qty, 10),
		"OVRS_ORD_UNPR":   req.Price,
		"ORD_SVR_DVSN_CD": "0",
		"ORD_DVSN":        "00",
	}
	res, err := c.call(ctx, request{
		method: http.MethodPost,
		path:   pathOrder,
		trID:   OrderTrID(req.Exchange, req.Side, c.cfg.Mode),
		body:   body,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := decode[orderResponse](res, pathOrder)
	if err != nil {
		return nil, err
	}
	no := strings.TrimSpace(parsed.Output.OrderNo)
	if no == "" {
		return nil, ErrNoOrderNo
	}
	return &common.OrderResult{OrderNo: no}, nil
}

// CancelOrder cancels the open quantity of an order.
func (c *Client) CancelOrder(ctx context.Context, exchange, symbol, orderNo string, qty int64) error {
	cano, prdt, err := c.account()
	if err != nil {
		return err
	}
	body := map[string]string{
		"CANO":              cano,
		"ACNT_PRDT_CD":      prdt,
		"OVRS_EXCG_CD":      OrderExchange(exchange),
		"PDNO":              symbol,
		"ORGN_ODNO":         orderNo,
		"RVSE_CNCL_DVSN_CD": "02",
		"ORD_QTY":           strconv.FormatInt(qty, 10),
		"OVRS_ORD_UNPR":     "0",
		"ORD_SVR_DVSN_CD":   "0",
	}
	_, err = c.call(ctx, request{
		method: http.MethodPost,
		path:   pathReviseCancel,
		trID:   ReviseCancelTrID(exchange, c.cfg.Mode),
		body:   body,
	})
	return err
}

// FillState looks up one order in the history between start and end
// (YYYYMMDD) and normalizes its state.
func (c *Client) FillState(ctx context.Context, orderNo, symbol, start, end string) (*common.FillState, error) {
	rows, err := c.OrderHistory(ctx, HistoryQuery{Start: start, End: end, Symbol: symbol})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.OrderNo != orderNo && strings.TrimLeft(r.OrderNo, "0") != strings.TrimLeft(orderNo, "0") {
			continue
		}
		return &common.FillState{
			OrderNo:   orderNo,
			Status:    fillStatus(r),
			FilledQty: r.FilledQty,
			OpenQty:   r.OpenQty,
		}, nil
	}
	return &common.FillState{OrderNo: orderNo, Status: common.StatusUnknown}, nil
}

func fillStatus(e Execution) common.OrderStatus {
	switch {
	case e.OpenQty == 0 && e.OrderQty > 0 && e.FilledQty >= e.OrderQty:
		return common.StatusFilled
	case e.OpenQty == 0:
		return common.StatusRemoved
	case e.FilledQty > 0:
		return common.StatusPartial
	default:
		return common.StatusResting
	}
}
