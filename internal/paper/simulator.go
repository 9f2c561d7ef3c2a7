package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

type Config struct {
	Symbol           string
	InitialBalance   float64
	CommissionPerLot float64
	// Slippage is applied against market fills, in price units.
	Slippage float64
	Info     venue.InstrumentInfo
	Now      func() time.Time
}

type Snapshot struct {
	InitialBalance float64     `json:"initial_balance"`
	Balance        float64     `json:"balance"`
	Equity         float64     `json:"equity"`
	CommissionPaid float64     `json:"commission_paid"`
	TotalDeals     int         `json:"total_deals"`
	OpenPositions  int         `json:"open_positions"`
	PendingOrders  int         `json:"pending_orders"`
	Quote          venue.Quote `json:"quote"`
}

// Simulator is an in-memory venue. Quotes pushed through SetQuote fill
// resting limit orders and trigger stop-loss and take-profit levels.
type Simulator struct {
	mu sync.Mutex

	cfg Config

	sequence       int64
	quote          venue.Quote
	hasQuote       bool
	balance        float64
	commissionPaid float64
	positions      map[int64]*venue.Position
	orders         map[int64]*venue.Order
	deals          []venue.Deal
	faults         map[string][]error
}

var _ venue.Gateway = (*Simulator)(nil)

func NewSimulator(cfg Config) *Simulator {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Info.Point <= 0 {
		cfg.Info.Point = math.Pow10(-cfg.Info.Digits)
	}
	if cfg.Info.ValuePerUnit <= 0 {
		cfg.Info.ValuePerUnit = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		positions: make(map[int64]*venue.Position),
		orders:    make(map[int64]*venue.Order),
		faults:    make(map[string][]error),
	}
}

// FailNext makes the next call of op return err. op is the Gateway method
// name, e.g. "ModifyStopLoss".
func (s *Simulator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Simulator) fault(op string) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

// SetQuote publishes a new top of book and runs fills and stop triggers
// against it.
func (s *Simulator) SetQuote(bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()
	s.quote = venue.Quote{Bid: bid, Ask: ask, Time: now}
	s.hasQuote = true

	for _, ticket := range sortedKeys(s.orders) {
		o := s.orders[ticket]
		crossed := (o.Direction == cluster.Buy && ask <= o.Price) ||
			(o.Direction == cluster.Sell && bid >= o.Price)
		if !crossed {
			continue
		}
		delete(s.orders, ticket)
		s.openPosition(ticket, o.Direction, o.Lots, o.Price, o.StopLoss, o.TakeProfit, o.Tag, now)
	}

	for _, ticket := range sortedKeys(s.positions) {
		p := s.positions[ticket]
		mark := exitPrice(p.Direction, s.quote)
		switch {
		case p.StopLoss > 0 && p.Direction == cluster.Buy && mark <= p.StopLoss,
			p.StopLoss > 0 && p.Direction == cluster.Sell && mark >= p.StopLoss:
			s.closePosition(p, p.StopLoss, venue.ExitStopLoss, now)
		case p.TakeProfit > 0 && p.Direction == cluster.Buy && mark >= p.TakeProfit,
			p.TakeProfit > 0 && p.Direction == cluster.Sell && mark <= p.TakeProfit:
			s.closePosition(p, p.TakeProfit, venue.ExitTakeProfit, now)
		default:
			p.Profit = s.pnl(p.Direction, p.OpenPrice, mark, p.Lots)
		}
	}
}

func (s *Simulator) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		InitialBalance: s.cfg.InitialBalance,
		Balance:        s.balance,
		Equity:         s.equity(),
		CommissionPaid: s.commissionPaid,
		TotalDeals:     len(s.deals),
		OpenPositions:  len(s.positions),
		PendingOrders:  len(s.orders),
		Quote:          s.quote,
	}
}

func (s *Simulator) Quote(_ context.Context, symbol string) (venue.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Quote"); err != nil {
		return venue.Quote{}, err
	}
	if err := s.checkSymbol(symbol); err != nil {
		return venue.Quote{}, err
	}
	if !s.hasQuote {
		return venue.Quote{}, fmt.Errorf("paper: no quote for %s: %w", symbol, venue.ErrUnavailable)
	}
	return s.quote, nil
}

func (s *Simulator) InstrumentInfo(_ context.Context, symbol string) (venue.InstrumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("InstrumentInfo"); err != nil {
		return venue.InstrumentInfo{}, err
	}
	if err := s.checkSymbol(symbol); err != nil {
		return venue.InstrumentInfo{}, err
	}
	return s.cfg.Info, nil
}

func (s *Simulator) Account(context.Context) (venue.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("Account"); err != nil {
		return venue.Account{}, err
	}
	return venue.Account{Balance: s.balance, Equity: s.equity(), Currency: "USD"}, nil
}

func (s *Simulator) SubmitMarketOrder(_ context.Context, req venue.OrderRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SubmitMarketOrder"); err != nil {
		return 0, err
	}
	if err := s.validateRequest(req); err != nil {
		return 0, err
	}
	if !s.hasQuote {
		return 0, fmt.Errorf("paper: no quote: %w", venue.ErrUnavailable)
	}
	price := s.quote.Ask + s.cfg.Slippage
	if req.Direction == cluster.Sell {
		price = s.quote.Bid - s.cfg.Slippage
	}
	if err := s.validateStops(req.Direction, price, req.StopLoss, req.TakeProfit); err != nil {
		return 0, err
	}
	s.sequence++
	ticket := s.sequence
	s.openPosition(ticket, req.Direction, req.Lots, price, req.StopLoss, req.TakeProfit, req.Tag, s.cfg.Now())
	return ticket, nil
}

func (s *Simulator) SubmitPendingOrder(_ context.Context, req venue.OrderRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("SubmitPendingOrder"); err != nil {
		return 0, err
	}
	if err := s.validateRequest(req); err != nil {
		return 0, err
	}
	if s.hasQuote {
		if req.Direction == cluster.Buy && req.Price > s.quote.Ask {
			return 0, fmt.Errorf("paper: buy limit %.5f above ask %.5f: %w", req.Price, s.quote.Ask, venue.ErrRejected)
		}
		if req.Direction == cluster.Sell && req.Price < s.quote.Bid {
			return 0, fmt.Errorf("paper: sell limit %.5f below bid %.5f: %w", req.Price, s.quote.Bid, venue.ErrRejected)
		}
	}
	if err := s.validateStops(req.Direction, req.Price, req.StopLoss, req.TakeProfit); err != nil {
		return 0, err
	}
	s.sequence++
	ticket := s.sequence
	s.orders[ticket] = &venue.Order{
		Ticket:     ticket,
		Symbol:     s.cfg.Symbol,
		Direction:  req.Direction,
		Lots:       req.Lots,
		Price:      req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Tag:        req.Tag,
		PlacedAt:   s.cfg.Now(),
	}
	return ticket, nil
}

func (s *Simulator) ModifyStopLoss(_ context.Context, ticket int64, stop float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ModifyStopLoss"); err != nil {
		return err
	}
	if p, ok := s.positions[ticket]; ok {
		ref := exitPrice(p.Direction, s.quote)
		if s.hasQuote && !s.stopOnLossSide(p.Direction, ref, stop) {
			return fmt.Errorf("paper: stop %.5f too close to market %.5f: %w", stop, ref, venue.ErrRejected)
		}
		p.StopLoss = stop
		return nil
	}
	if o, ok := s.orders[ticket]; ok {
		if !s.stopOnLossSide(o.Direction, o.Price, stop) {
			return fmt.Errorf("paper: stop %.5f invalid for order at %.5f: %w", stop, o.Price, venue.ErrRejected)
		}
		o.StopLoss = stop
		return nil
	}
	return fmt.Errorf("paper: modify %d: %w", ticket, venue.ErrNotFound)
}

func (s *Simulator) CancelOrder(_ context.Context, ticket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CancelOrder"); err != nil {
		return err
	}
	if _, ok := s.orders[ticket]; !ok {
		return fmt.Errorf("paper: cancel %d: %w", ticket, venue.ErrNotFound)
	}
	delete(s.orders, ticket)
	return nil
}

func (s *Simulator) ClosePosition(_ context.Context, ticket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ClosePosition"); err != nil {
		return err
	}
	p, ok := s.positions[ticket]
	if !ok {
		return fmt.Errorf("paper: close %d: %w", ticket, venue.ErrNotFound)
	}
	if !s.hasQuote {
		return fmt.Errorf("paper: no quote: %w", venue.ErrUnavailable)
	}
	s.closePosition(p, exitPrice(p.Direction, s.quote), venue.ExitOther, s.cfg.Now())
	return nil
}

func (s *Simulator) ListOpenPositions(_ context.Context, symbol string) ([]venue.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListOpenPositions"); err != nil {
		return nil, err
	}
	if err := s.checkSymbol(symbol); err != nil {
		return nil, err
	}
	out := make([]venue.Position, 0, len(s.positions))
	for _, ticket := range sortedKeys(s.positions) {
		out = append(out, *s.positions[ticket])
	}
	return out, nil
}

func (s *Simulator) ListPendingOrders(_ context.Context, symbol string) ([]venue.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListPendingOrders"); err != nil {
		return nil, err
	}
	if err := s.checkSymbol(symbol); err != nil {
		return nil, err
	}
	out := make([]venue.Order, 0, len(s.orders))
	for _, ticket := range sortedKeys(s.orders) {
		out = append(out, *s.orders[ticket])
	}
	return out, nil
}

func (s *Simulator) ListHistoricalDeals(_ context.Context, from, to time.Time) ([]venue.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("ListHistoricalDeals"); err != nil {
		return nil, err
	}
	var out []venue.Deal
	for _, d := range s.deals {
		if d.Time.Before(from) || d.Time.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Simulator) openPosition(ticket int64, dir cluster.Direction, lots, price, sl, tp float64, tag string, now time.Time) {
	commission := -lots * s.cfg.CommissionPerLot
	s.positions[ticket] = &venue.Position{
		Ticket:     ticket,
		Symbol:     s.cfg.Symbol,
		Direction:  dir,
		Lots:       lots,
		OpenPrice:  price,
		StopLoss:   sl,
		TakeProfit: tp,
		Tag:        tag,
		OpenedAt:   now,
	}
	s.balance += commission
	s.commissionPaid -= commission
	s.sequence++
	s.deals = append(s.deals, venue.Deal{
		Ticket:     s.sequence,
		PositionID: ticket,
		Symbol:     s.cfg.Symbol,
		Tag:        tag,
		Entry:      venue.EntryIn,
		Lots:       lots,
		Price:      price,
		Commission: commission,
		Time:       now,
	})
}

func (s *Simulator) closePosition(p *venue.Position, price float64, exit venue.ExitKind, now time.Time) {
	profit := s.pnl(p.Direction, p.OpenPrice, price, p.Lots)
	s.balance += profit
	delete(s.positions, p.Ticket)
	s.sequence++
	s.deals = append(s.deals, venue.Deal{
		Ticket:     s.sequence,
		PositionID: p.Ticket,
		Symbol:     s.cfg.Symbol,
		Tag:        p.Tag,
		Entry:      venue.EntryOut,
		Exit:       exit,
		Lots:       p.Lots,
		Price:      price,
		Profit:     profit,
		Time:       now,
	})
}

func (s *Simulator) pnl(dir cluster.Direction, open, close, lots float64) float64 {
	return dir.Sign() * (close - open) * lots * s.cfg.Info.ValuePerUnit
}

func (s *Simulator) equity() float64 {
	eq := s.balance
	for _, p := range s.positions {
		eq += p.Profit
	}
	return eq
}

func (s *Simulator) checkSymbol(symbol string) error {
	if s.cfg.Symbol != "" && symbol != s.cfg.Symbol {
		return fmt.Errorf("paper: unknown symbol %q: %w", symbol, venue.ErrRejected)
	}
	return nil
}

func (s *Simulator) validateRequest(req venue.OrderRequest) error {
	if err := s.checkSymbol(req.Symbol); err != nil {
		return err
	}
	if !req.Direction.Valid() {
		return fmt.Errorf("paper: invalid direction %q: %w", req.Direction, venue.ErrRejected)
	}
	if req.Lots <= 0 || (s.cfg.Info.MinLot > 0 && req.Lots+1e-9 < s.cfg.Info.MinLot) {
		return fmt.Errorf("paper: volume %.2f below minimum: %w", req.Lots, venue.ErrRejected)
	}
	return nil
}

func (s *Simulator) validateStops(dir cluster.Direction, price, sl, tp float64) error {
	if sl > 0 && !s.stopOnLossSide(dir, price, sl) {
		return fmt.Errorf("paper: invalid stops sl=%.5f for price %.5f: %w", sl, price, venue.ErrRejected)
	}
	if tp > 0 {
		min := s.cfg.Info.MinStopDistance()
		if dir.Sign()*(tp-price) <= min {
			return fmt.Errorf("paper: invalid stops tp=%.5f for price %.5f: %w", tp, price, venue.ErrRejected)
		}
	}
	return nil
}

func (s *Simulator) stopOnLossSide(dir cluster.Direction, ref, stop float64) bool {
	return dir.Sign()*(ref-stop) > s.cfg.Info.MinStopDistance()
}

func exitPrice(dir cluster.Direction, q venue.Quote) float64 {
	if dir == cluster.Sell {
		return q.Ask
	}
	return q.Bid
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
