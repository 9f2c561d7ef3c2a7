// Package venue defines the execution venue the engine trades against.
package venue

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
)

var (
	ErrUnavailable = errors.New("venue: unavailable")
	ErrRejected    = errors.New("venue: order rejected")
	ErrNotFound    = errors.New("venue: ticket not found")
)

type Quote struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

type InstrumentInfo struct {
	Digits          int     `json:"digits"`
	Point           float64 `json:"point"`
	MinLot          float64 `json:"min_lot"`
	LotStep         float64 `json:"lot_step"`
	MaxLot          float64 `json:"max_lot"`
	StopLevelPoints int     `json:"stop_level_points"`
	// ValuePerUnit is the account-currency value of a 1.0 price move for
	// one lot.
	ValuePerUnit float64 `json:"value_per_unit"`
}

// MinStopDistance is the venue's minimum SL/TP distance in price units.
func (i InstrumentInfo) MinStopDistance() float64 {
	return float64(i.StopLevelPoints) * i.Point
}

// OrderRequest describes a market or pending-limit order with attached stops.
type OrderRequest struct {
	Symbol     string            `json:"symbol"`
	Direction  cluster.Direction `json:"direction"`
	Lots       float64           `json:"lots"`
	Price      float64           `json:"price"`
	StopLoss   float64           `json:"sl"`
	TakeProfit float64           `json:"tp"`
	Tag        string            `json:"comment"`
	Magic      int               `json:"magic"`
	Deviation  int               `json:"deviation"`
}

type Position struct {
	Ticket     int64             `json:"ticket"`
	Symbol     string            `json:"symbol"`
	Direction  cluster.Direction `json:"direction"`
	Lots       float64           `json:"lots"`
	OpenPrice  float64           `json:"open_price"`
	StopLoss   float64           `json:"sl"`
	TakeProfit float64           `json:"tp"`
	Tag        string            `json:"comment"`
	OpenedAt   time.Time         `json:"time"`
	Profit     float64           `json:"profit"`
}

type Order struct {
	Ticket     int64             `json:"ticket"`
	Symbol     string            `json:"symbol"`
	Direction  cluster.Direction `json:"direction"`
	Lots       float64           `json:"lots"`
	Price      float64           `json:"price"`
	StopLoss   float64           `json:"sl"`
	TakeProfit float64           `json:"tp"`
	Tag        string            `json:"comment"`
	PlacedAt   time.Time         `json:"time"`
}

type ExitKind string

const (
	ExitNone       ExitKind = ""
	ExitTakeProfit ExitKind = "tp"
	ExitStopLoss   ExitKind = "sl"
	ExitOther      ExitKind = "other"
)

type DealEntry string

const (
	EntryIn  DealEntry = "in"
	EntryOut DealEntry = "out"
)

// Deal is one historical execution. Out deals carry the exit reason.
type Deal struct {
	Ticket     int64     `json:"ticket"`
	PositionID int64     `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Tag        string    `json:"comment"`
	Entry      DealEntry `json:"entry"`
	Exit       ExitKind  `json:"reason"`
	Lots       float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	Time       time.Time `json:"time"`
}

// NetPnL is price P&L plus commission and financing.
func (d Deal) NetPnL() float64 { return d.Profit + d.Commission + d.Swap }

type Account struct {
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Currency string  `json:"currency"`
}

// Gateway is everything the engine needs from a venue. Any error means the
// state is unknown and the caller retries on a later poll.
type Gateway interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	InstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
	Account(ctx context.Context) (Account, error)

	SubmitMarketOrder(ctx context.Context, req OrderRequest) (int64, error)
	SubmitPendingOrder(ctx context.Context, req OrderRequest) (int64, error)
	ModifyStopLoss(ctx context.Context, ticket int64, stop float64) error
	CancelOrder(ctx context.Context, ticket int64) error
	ClosePosition(ctx context.Context, ticket int64) error

	ListOpenPositions(ctx context.Context, symbol string) ([]Position, error)
	ListPendingOrders(ctx context.Context, symbol string) ([]Order, error)
	ListHistoricalDeals(ctx context.Context, from, to time.Time) ([]Deal, error)
}
