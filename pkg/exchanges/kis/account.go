package kis

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"kis-autotrader/pkg/exchanges/common"
)

const (
	pathBalance        = "/uapi/overseas-stock/v1/trading/inquire-balance"
	pathPresentBalance = "/uapi/overseas-stock/v1/trading/inquire-present-balance"
	pathBuyable        = "/uapi/overseas-stock/v1/trading/inquire-psamount"
	pathUnfilled       = "/uapi/overseas-stock/v1/trading/inquire-nccs"
	pathHistory        = "/uapi/overseas-stock/v1/trading/inquire-ccnl"

	maxHistoryPages = 20
)

func (c *Client) pick(mock, real string) string {
	if c.cfg.Mode == common.ModeReal {
		return real
	}
	return mock
}

// Holding is one row of the balance inquiry.
type Holding struct {
	Symbol       string
	Name         string
	Exchange     string
	Qty          int64
	OrderableQty int64
	ProfitRate   decimal.Decimal // percent
	AvgPrice     decimal.Decimal
	LastPrice    decimal.Decimal
}

type balanceResponse struct {
	Output1 []struct {
		Pdno       string `json:"ovrs_pdno"`
		Name       string `json:"ovrs_item_name"`
		Exchange   string `json:"ovrs_excg_cd"`
		Qty        Num    `json:"ovrs_cblc_qty"`
		Orderable  Num    `json:"ord_psbl_qty"`
		ProfitRate Num    `json:"evlu_pfls_rt"`
		AvgPrice   Num    `json:"pchs_avg_pric"`
		LastPrice  Num    `json:"now_pric2"`
	} `json:"output1"`
}

// Balance returns the holdings reported for an exchange's account view.
func (c *Client) Balance(ctx context.Context, exchange, currency string) ([]Holding, error) {
	cano, prdt, err := c.account()
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = "USD"
	}
	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("OVRS_EXCG_CD", OrderExchange(exchange))
	q.Set("TR_CRCY_CD", currency)
	q.Set("CTX_AREA_FK200", "")
	q.Set("CTX_AREA_NK200", "")

	res, err := c.call(ctx, request{
		method:    http.MethodGet,
		path:      pathBalance,
		trID:      c.pick("VTTS3012R", "TTTS3012R"),
		query:     q,
		transient: true,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := decode[balanceResponse](res, pathBalance)
	if err != nil {
		return nil, err
	}

	out := make([]Holding, 0, len(parsed.Output1))
	for _, row := range parsed.Output1 {
		sym := strings.ToUpper(strings.TrimSpace(row.Pdno))
		if sym == "" {
			continue
		}
		out = append(out, Holding{
			Symbol:       sym,
			Name:         row.Name,
			Exchange:     OrderExchange(row.Exchange),
			Qty:          row.Qty.Int(),
			OrderableQty: row.Orderable.Int(),
			ProfitRate:   row.ProfitRate.Decimal(),
			AvgPrice:     row.AvgPrice.Decimal(),
			LastPrice:    row.LastPrice.Decimal(),
		})
	}
	return out, nil
}

// PresentBalance is the settlement-basis balance with FX bulletin rates.
type PresentBalance struct {
	FirstBulletinRate decimal.Decimal   // output3.frst_bltn_exrt
	BaseRates         []decimal.Decimal // output1[].bass_exrt, in order
	Withdrawable      decimal.Decimal   // output2 frcr_drwg_psbl_amt_1
	HasWithdrawable   bool
	Deposit           decimal.Decimal // output2 frcr_dncl_amt_2
	HasDeposit        bool
}

type presentBalanceResponse struct {
	Output1 []struct {
		BaseRate Num `json:"bass_exrt"`
	} `json:"output1"`
	Output2 []struct {
		Currency     string `json:"crcy_cd"`
		Withdrawable Num    `json:"frcr_drwg_psbl_amt_1"`
		Deposit      Num    `json:"frcr_dncl_amt_2"`
		BulletinRate Num    `json:"frst_bltn_exrt"`
	} `json:"output2"`
	Output3 struct {
		BulletinRate Num `json:"frst_bltn_exrt"`
	} `json:"output3"`
}

// PresentBalance queries the settlement-basis balance in the given currency.
func (c *Client) PresentBalance(ctx context.Context, currency string) (*PresentBalance, error) {
	cano, prdt, err := c.account()
	if err != nil {
		return nil, err
	}
	if currency == "" {
		currency = "USD"
	}
	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("WCRC_FRCR_DVSN_CD", "02")
	q.Set("NATN_CD", "000")
	q.Set("TR_MKET_CD", "00")
	q.Set("INQR_DVSN_CD", "00")

	res, err := c.call(ctx, request{
		method:    http.MethodGet,
		path:      pathPresentBalance,
		trID:      c.pick("VTRP6504R", "CTRP6504R"),
		query:     q,
		transient: true,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := decode[presentBalanceResponse](res, pathPresentBalance)
	if err != nil {
		return nil, err
	}

	pb := &PresentBalance{FirstBulletinRate: parsed.Output3.BulletinRate.Decimal()}
	for _, row := range parsed.Output1 {
		pb.BaseRates = append(pb.BaseRates, row.BaseRate.Decimal())
	}
	for _, row := range parsed.Output2 {
		if row.Currency != "" && !strings.EqualFold(row.Currency, currency) {
			continue
		}
		if !pb.HasWithdrawable && row.Withdrawable.Present() {
			pb.Withdrawable, pb.HasWithdrawable = row.Withdrawable.Decimal(), true
		}
		if !pb.HasDeposit && row.Deposit.Present() {
			pb.Deposit, pb.HasDeposit = row.Deposit.Decimal(), true
		}
		if !pb.FirstBulletinRate.IsPositive() {
			pb.FirstBulletinRate = row.BulletinRate.Decimal()
		}
	}
	return pb, nil
}

// Buyable is the broker's view of purchasing power at a price.
type Buyable struct {
	OrderableAmount decimal.Decimal // ovrs_ord_psbl_amt
	HasAmount       bool
	MaxQty          int64 // max_ord_psbl_qty
	OrderableQty    int64 // ord_psbl_qty
}

// Qty returns the quantity cap to use when sizing an order.
func (b *Buyable) Qty() int64 {
	if b.MaxQty > 0 {
		return b.MaxQty
	}
	return b.OrderableQty
}

type buyableResponse struct {
	Output struct {
		OrderableAmount Num `json:"ovrs_ord_psbl_amt"`
		MaxQty          Num `json:"max_ord_psbl_qty"`
		OrderableQty    Num `json:"ord_psbl_qty"`
	} `json:"output"`
}

// BuyableAmount asks how much of symbol can be bought at price.
func (c *Client) BuyableAmount(ctx context.Context, exchange, symbol string, price decimal.Decimal) (*Buyable, error) {
	cano, prdt, err := c.account()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("OVRS_EXCG_CD", OrderExchange(exchange))
	q.Set("OVRS_ORD_UNPR", FormatUnitPrice(price))
	q.Set("ITEM_CD", symbol)

	res, err := c.call(ctx, request{
		method: http.MethodGet,
		path:   pathBuyable,
		trID:   c.pick("VTTS3007R", "TTTS3007R"),
		query:  q,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := decode[buyableResponse](res, pathBuyable)
	if err != nil {
		return nil, err
	}
	return &Buyable{
		OrderableAmount: parsed.Output.OrderableAmount.Decimal(),
		HasAmount:       parsed.Output.OrderableAmount.Present(),
		MaxQty:          parsed.Output.MaxQty.Int(),
		OrderableQty:    parsed.Output.OrderableQty.Int(),
	}, nil
}

// UnfilledOrder is a resting order.
type UnfilledOrder struct {
	OrderNo  string
	Symbol   string
	Exchange string
	Side     common.Side
	Qty      int64
	OpenQty  int64
	Price    decimal.Decimal
}

type unfilledResponse struct {
	Output []struct {
		OrderNo  string `json:"odno"`
		Pdno     string `json:"pdno"`
		Exchange string `json:"ovrs_excg_cd"`
		SideCode string `json:"sll_buy_dvsn_cd"`
		Qty      Num    `json:"ft_ord_qty"`
		OpenQty  Num    `json:"nccs_qty"`
		Price    Num    `json:"ft_ord_unpr3"`
	} `json:"output"`
}

func sideFromCode(code string) common.Side {
	if code == "01" {
		return common.SideSell
	}
	return common.SideBuy
}

// UnfilledOrders lists resting orders on an exchange. The mock venue does
// not offer this inquiry, so mock clients get an empty list.
func (c *Client) UnfilledOrders(ctx context.Context, exchange string) ([]UnfilledOrder, error) {
	if c.cfg.Mode != common.ModeReal {
		return nil, nil
	}
	cano, prdt, err := c.account()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("OVRS_EXCG_CD", OrderExchange(exchange))
	q.Set("SORT_SQN", "DS")
	q.Set("CTX_AREA_FK200", "")
	q.Set("CTX_AREA_NK200", "")

	res, err := c.call(ctx, request{
		method: http.MethodGet,
		path:   pathUnfilled,
		trID:   "TTTS3018R",
		query:  q,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := decode[unfilledResponse](res, pathUnfilled)
	if err != nil {
		return nil, err
	}
	out := make([]UnfilledOrder, 0, len(parsed.Output))
	for _, row := range parsed.Output {
		out = append(out, UnfilledOrder{
			OrderNo:  strings.TrimSpace(row.OrderNo),
			Symbol:   strings.ToUpper(strings.TrimSpace(row.Pdno)),
			Exchange: OrderExchange(row.Exchange),
			Side:     sideFromCode(row.SideCode),
			Qty:      row.Qty.Int(),
			OpenQty:  row.OpenQty.Int(),
			Price:    row.Price.Decimal(),
		})
	}
	return out, nil
}

// Execution is one row of the order/fill history.
type Execution struct {
	OrderNo   string
	OrderDate string // YYYYMMDD
	Symbol    string
	Exchange  string
	Side      common.Side
	OrderQty  int64
	FilledQty int64
	OpenQty   int64
	FillPrice decimal.Decimal
	Status    string
}

// HistoryQuery filters OrderHistory. Empty fields mean "all".
type HistoryQuery struct {
	Start  string // YYYYMMDD
	End    string // YYYYMMDD
	Symbol string
	Side   common.Side
}

type historyResponse struct {
	CtxFK200 string `json:"ctx_area_fk200"`
	CtxNK200 string `json:"ctx_area_nk200"`
	Output   []struct {
		OrderNo   string `json:"odno"`
		OrderDate string `json:"ord_dt"`
		Pdno      string `json:"pdno"`
		Exchange  string `json:"ovrs_excg_cd"`
		SideCode  string `json:"sll_buy_dvsn_cd"`
		OrderQty  Num    `json:"ft_ord_qty"`
		FilledQty Num    `json:"ft_ccld_qty"`
		OpenQty   Num    `json:"nccs_qty"`
		FillPrice Num    `json:"ft_ccld_unpr3"`
		Status    string `json:"prcs_stat_name"`
	} `json:"output"`
}

// OrderHistory walks the order/fill history, following continuation keys for
// at most 20 pages. The mock venue only supports whole-account queries, so
// the symbol and side filters are applied locally there.
func (c *Client) OrderHistory(ctx context.Context, hq HistoryQuery) ([]Execution, error) {
	cano, prdt, err := c.account()
	if err != nil {
		return nil, err
	}

	pdno, sideCode, excg := "%", "00", "%"
	if hq.Symbol != "" {
		pdno = hq.Symbol
	}
	switch hq.Side {
	case common.SideSell:
		sideCode = "01"
	case common.SideBuy:
		sideCode = "02"
	}
	if c.cfg.Mode != common.ModeReal {
		pdno, sideCode, excg = "", "00", ""
	}

	var (
		out          []Execution
		fk, nk, cont string
	)
	for page := 0; page < maxHistoryPages; page++ {
		q := url.Values{}
		q.Set("CANO", cano)
		q.Set("ACNT_PRDT_CD", prdt)
		q.Set("PDNO", pdno)
		q.Set("ORD_STRT_DT", hq.Start)
		q.Set("ORD_END_DT", hq.End)
		q.Set("SLL_BUY_DVSN", sideCode)
		q.Set("CCLD_NCCS_DVSN", "00")
		q.Set("OVRS_EXCG_CD", excg)
		q.Set("SORT_SQN", "DS")
		q.Set("ORD_DT", "")
		q.Set("ORD_GNO_BRNO", "")
		q.Set("ODNO", "")
		q.Set("CTX_AREA_FK200", fk)
		q.Set("CTX_AREA_NK200", nk)

		res, err := c.call(ctx, request{
			method: http.MethodGet,
			path:   pathHistory,
			trID:   c.pick("VTTS3035R", "TTTS3035R"),
			query:  q,
			trCont: cont,
		})
		if err != nil {
			return nil, err
		}
		parsed, err := decode[historyResponse](res, pathHistory)
		if err != nil {
			return nil, err
		}

		for _, row := range parsed.Output {
			e := Execution{
				OrderNo:   strings.TrimSpace(row.OrderNo),
				OrderDate: strings.TrimSpace(row.OrderDate),
				Symbol:    strings.ToUpper(strings.TrimSpace(row.Pdno)),
				Exchange:  OrderExchange(row.Exchange),
				Side:      sideFromCode(row.SideCode),
				OrderQty:  row.OrderQty.Int(),
				FilledQty: row.FilledQty.Int(),
				OpenQty:   row.OpenQty.Int(),
				FillPrice: row.FillPrice.Decimal(),
				Status:    row.Status,
			}
			if hq.Symbol != "" && e.Symbol != strings.ToUpper(hq.Symbol) {
				continue
			}
			if hq.Side != "" && e.Side != hq.Side {
				continue
			}
			out = append(out, e)
		}

		more := res.header.Get("tr_cont")
		if (more != "F" && more != "M") || strings.TrimSpace(parsed.CtxNK200) == "" {
			break
		}
		fk, nk, cont = strings.TrimSpace(parsed.CtxFK200), strings.TrimSpace(parsed.CtxNK200), "N"
	}
	return out, nil
}
