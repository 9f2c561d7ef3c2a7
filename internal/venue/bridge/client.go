// Package bridge implements venue.Gateway against the MetaTrader 5 HTTP
// sidecar. The sidecar owns the terminal session; this client only speaks
// JSON to it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/strategy"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client is a venue.Gateway backed by the bridge. Requests are never
// retried: order submission is not idempotent on the terminal side.
type Client struct {
	http *resty.Client
	log  logrus.FieldLogger
}

var _ venue.Gateway = (*Client)(nil)

func New(cfg Config, log logrus.FieldLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "cluster-trader")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client{http: rc, log: log}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ticketBody struct {
	Ticket int64 `json:"ticket"`
}

// do issues one request and maps transport failures and HTTP statuses onto
// the venue sentinel errors.
func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body, out any) error {
	r := c.http.R().SetContext(ctx)
	if params != nil {
		r.SetQueryParams(params)
	}
	if body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		r.SetResult(out)
	}
	resp, err := r.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", venue.ErrUnavailable, method, path, err)
	}
	if resp.IsSuccess() {
		return nil
	}

	reason := strings.TrimSpace(string(resp.Body()))
	var eb errorBody
	if json.Unmarshal(resp.Body(), &eb) == nil {
		if eb.Error != "" {
			reason = eb.Error
		} else if eb.Message != "" {
			reason = eb.Message
		}
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s: %s", venue.ErrNotFound, method, path, reason)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %s %s: %d %s", venue.ErrRejected, method, path, code, reason)
	default:
		return fmt.Errorf("%w: %s %s: %d %s", venue.ErrUnavailable, method, path, code, reason)
	}
}

func (c *Client) Quote(ctx context.Context, symbol string) (venue.Quote, error) {
	var q venue.Quote
	if err := c.do(ctx, http.MethodGet, "/quote/"+symbol, nil, nil, &q); err != nil {
		return venue.Quote{}, err
	}
	if q.Bid <= 0 || q.Ask <= 0 {
		return venue.Quote{}, fmt.Errorf("%w: empty quote for %s", venue.ErrUnavailable, symbol)
	}
	return q, nil
}

func (c *Client) InstrumentInfo(ctx context.Context, symbol string) (venue.InstrumentInfo, error) {
	var info venue.InstrumentInfo
	err := c.do(ctx, http.MethodGet, "/symbol/"+symbol, nil, nil, &info)
	return info, err
}

func (c *Client) Account(ctx context.Context) (venue.Account, error) {
	var acc venue.Account
	err := c.do(ctx, http.MethodGet, "/account", nil, nil, &acc)
	return acc, err
}

func (c *Client) submit(ctx context.Context, path string, req venue.OrderRequest) (int64, error) {
	var out ticketBody
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return 0, err
	}
	if out.Ticket == 0 {
		return 0, fmt.Errorf("%w: %s returned no ticket for %s", venue.ErrRejected, path, req.Tag)
	}
	c.log.WithFields(logrus.Fields{
		"tag":    req.Tag,
		"ticket": out.Ticket,
		"price":  req.Price,
		"lots":   req.Lots,
	}).Debug("bridge order accepted")
	return out.Ticket, nil
}

func (c *Client) SubmitMarketOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	return c.submit(ctx, "/orders/market", req)
}

func (c *Client) SubmitPendingOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	return c.submit(ctx, "/orders/pending", req)
}

// ModifyStopLoss moves the stop of a position, or of a resting order when
// the sidecar knows no position with that ticket.
func (c *Client) ModifyStopLoss(ctx context.Context, ticket int64, stop float64) error {
	id := strconv.FormatInt(ticket, 10)
	body := map[string]float64{"sl": stop}
	err := c.do(ctx, http.MethodPost, "/positions/"+id+"/sl", nil, body, nil)
	if !errors.Is(err, venue.ErrNotFound) {
		return err
	}
	return c.do(ctx, http.MethodPost, "/orders/"+id+"/sl", nil, body, nil)
}

func (c *Client) CancelOrder(ctx context.Context, ticket int64) error {
	return c.do(ctx, http.MethodDelete, "/orders/"+strconv.FormatInt(ticket, 10), nil, nil, nil)
}

func (c *Client) ClosePosition(ctx context.Context, ticket int64) error {
	return c.do(ctx, http.MethodPost, "/positions/"+strconv.FormatInt(ticket, 10)+"/close", nil, nil, nil)
}

func (c *Client) ListOpenPositions(ctx context.Context, symbol string) ([]venue.Position, error) {
	var out []venue.Position
	err := c.do(ctx, http.MethodGet, "/positions", map[string]string{"symbol": symbol}, nil, &out)
	return out, err
}

func (c *Client) ListPendingOrders(ctx context.Context, symbol string) ([]venue.Order, error) {
	var out []venue.Order
	err := c.do(ctx, http.MethodGet, "/orders", map[string]string{"symbol": symbol}, nil, &out)
	return out, err
}

func (c *Client) ListHistoricalDeals(ctx context.Context, from, to time.Time) ([]venue.Deal, error) {
	var out []venue.Deal
	params := map[string]string{
		"from": strconv.FormatInt(from.Unix(), 10),
		"to":   strconv.FormatInt(to.Unix(), 10),
	}
	err := c.do(ctx, http.MethodGet, "/deals", params, nil, &out)
	return out, err
}

// Signal is the scoring collaborator served by the sidecar.
type Signal struct {
	c      *Client
	symbol string
}

var _ strategy.Source = (*Signal)(nil)

func (c *Client) Signal(symbol string) *Signal {
	return &Signal{c: c, symbol: symbol}
}

func (s *Signal) Latest(ctx context.Context) (strategy.Evaluation, error) {
	var ev strategy.Evaluation
	if err := s.c.do(ctx, http.MethodGet, "/signal/"+s.symbol, nil, nil, &ev); err != nil {
		return strategy.Evaluation{}, err
	}
	if ev.Period.IsZero() {
		return strategy.Evaluation{}, fmt.Errorf("bridge: signal for %s has no period", s.symbol)
	}
	return ev, nil
}
