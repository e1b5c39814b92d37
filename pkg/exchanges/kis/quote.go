package kis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

const (
	pathPrice  = "/uapi/overseas-price/v1/quotations/price"
	pathAsking = "/uapi/overseas-price/v1/quotations/inquire-asking-price"

	maxAskLevels = 10
)

type priceResponse struct {
	Output struct {
		Last Num `json:"last"`
	} `json:"output"`
}

// CurrentPrice returns the last trade price. Zero means no print yet.
func (c *Client) CurrentPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("AUTH", "")
	q.Set("EXCD", QuoteExchange(exchange))
	q.Set("SYMB", symbol)

	res, err := c.call(ctx, request{
		method: http.MethodGet,
		path:   pathPrice,
		trID:   "HHDFS00000300",
		query:  q,
	})
	if err != nil {
		return decimal.Zero, err
	}
	parsed, err := decode[priceResponse](res, pathPrice)
	if err != nil {
		return decimal.Zero, err
	}
	return parsed.Output.Last.Decimal(), nil
}

// AskLevel is one price level on the offer side.
type AskLevel struct {
	Price decimal.Decimal
	Qty   int64
}

type askingResponse struct {
	Output2 map[string]Num `json:"output2"`
}

// AskLevels returns up to 10 offer levels, best first, skipping empty ones.
func (c *Client) AskLevels(ctx context.Context, exchange, symbol string) ([]AskLevel, error) {
	q := url.Values{}
	q.Set("AUTH", "")
	q.Set("EXCD", QuoteExchange(exchange))
	q.Set("SYMB", symbol)

	res, err := c.call(ctx, request{
		method: http.MethodGet,
		path:   pathAsking,
		trID:   "HHDFS76200100",
		query:  q,
	})
	if err != nil {
		return nil, err
	}
	parsed, err := decode[askingResponse](res, pathAsking)
	if err != nil {
		return nil, err
	}

	levels := make([]AskLevel, 0, maxAskLevels)
	for i := 1; i <= maxAskLevels; i++ {
		p := parsed.Output2[fmt.Sprintf("pask%d", i)].Decimal()
		if !p.IsPositive() {
			continue
		}
		levels = append(levels, AskLevel{Price: p, Qty: parsed.Output2[fmt.Sprintf("vask%d", i)].Int()})
	}
	return levels, nil
}
