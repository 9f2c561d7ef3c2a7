package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
)

// AnchorKind names the price a ratchet rule moves stops to.
type AnchorKind string

const (
	// AnchorEntry anchors on the target stage's own entry price.
	AnchorEntry AnchorKind = "entry"
	// AnchorStageTP anchors on the take-profit price of AnchorRank.
	AnchorStageTP AnchorKind = "stage_tp"
)

// Rule moves the stops of Targets once ClosedRank exits at take-profit. The
// anchor is shifted by Offset toward the loss side.
type Rule struct {
	ClosedRank int
	Anchor     AnchorKind
	AnchorRank int
	Offset     float64
	Targets    []int
}

// FinalRules protects the last stage once the third one has paid out.
func FinalRules(offset float64) []Rule {
	return []Rule{{ClosedRank: 3, Anchor: AnchorEntry, Offset: offset, Targets: []int{4}}}
}

// LadderRules walks every remaining stage up the ladder: break-even after
// the first target, the first target after the second, the second target
// after the third.
func LadderRules() []Rule {
	return []Rule{
		{ClosedRank: 1, Anchor: AnchorEntry, Targets: []int{2, 3, 4}},
		{ClosedRank: 2, Anchor: AnchorStageTP, AnchorRank: 1, Targets: []int{3, 4}},
		{ClosedRank: 3, Anchor: AnchorStageTP, AnchorRank: 2, Targets: []int{4}},
	}
}

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRatcheted Phase = "ratcheted"
)

// ClosureRecord tracks one stage closure through resolution.
type ClosureRecord struct {
	WasFilled bool           `json:"was_filled"`
	Exit      venue.ExitKind `json:"exit"`
	Resolved  bool           `json:"resolved"`
	Applied   bool           `json:"applied"`
}

// RatchetState is the per-cluster ladder state. Phase moves from idle to
// ratcheted on the first applied take-profit closure and K records the
// highest such rank. Every closure is resolved and applied at most once.
type RatchetState struct {
	Phase    Phase                  `json:"phase"`
	K        int                    `json:"k"`
	Closures map[int]*ClosureRecord `json:"closures"`
	// Outstanding maps a target rank to the stop still to be applied.
	Outstanding map[int]float64 `json:"outstanding"`
}

// Move is one applied stop modification.
type Move struct {
	ClusterID string  `json:"cluster"`
	Rank      int     `json:"rank"`
	Ticket    int64   `json:"ticket"`
	From      float64 `json:"from"`
	To        float64 `json:"to"`
	Trigger   int     `json:"trigger"`
}

// Skip is a rule target that needed no change.
type Skip struct {
	Rank    int
	Current float64
	Anchor  float64
}

type RatchetResult struct {
	Moves   []Move
	Skipped []Skip
	Failed  map[int]error
}

// Ratchet applies the anchor rules to clusters as their stages take profit.
type Ratchet struct {
	gw    venue.Gateway
	rules []Rule
	log   logrus.FieldLogger

	mu     sync.Mutex
	states map[string]*RatchetState
}

// NewRatchet creates a Ratchet applying rules through gw.
func NewRatchet(gw venue.Gateway, rules []Rule, log logrus.FieldLogger) *Ratchet {
	return &Ratchet{gw: gw, rules: rules, log: log, states: make(map[string]*RatchetState)}
}

func (r *Ratchet) state(id string) *RatchetState {
	st := r.states[id]
	if st == nil {
		st = &RatchetState{Phase: PhaseIdle, Closures: make(map[int]*ClosureRecord), Outstanding: make(map[int]float64)}
		r.states[id] = st
	}
	return st
}

// OnClosed registers a stage closure. Repeated registrations are ignored.
func (r *Ratchet) OnClosed(clusterID string, cl Closure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(clusterID)
	if _, ok := st.Closures[cl.Rank]; ok {
		return
	}
	st.Closures[cl.Rank] = &ClosureRecord{WasFilled: cl.WasFilled}
}

// Check resolves pending closures from deal history, queues stop moves for
// take-profit closures and pushes outstanding moves to the venue. Failed
// modifications stay queued for the next call.
func (r *Ratchet) Check(ctx context.Context, c *cluster.Cluster, live map[int]LiveStage, deals []venue.Deal) RatchetResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(c.ID)
	log := r.log.WithField("cluster", c.ID)
	var res RatchetResult

	for _, rank := range sortedClosureRanks(st.Closures) {
		rec := st.Closures[rank]
		if !rec.Resolved {
			exit, ok := ExitFor(deals, c.Stage(rank).Tag, rec.WasFilled)
			if !ok {
				continue
			}
			rec.Exit, rec.Resolved = exit, true
			s := c.Stage(rank)
			s.Closed = true
			if exit != venue.ExitNone {
				s.Exit = string(exit)
			} else if s.Exit == "" {
				s.Exit = "cancelled"
			}
		}
		if rec.Applied {
			continue
		}
		rec.Applied = true
		if rec.Exit != venue.ExitTakeProfit {
			continue
		}
		if st.Phase == PhaseIdle || rank > st.K {
			st.Phase, st.K = PhaseRatcheted, max(st.K, rank)
		}
		for _, rule := range r.rules {
			if rule.ClosedRank != rank {
				continue
			}
			for _, target := range rule.Targets {
				ls, ok := live[target]
				if !ok || target <= rank {
					continue
				}
				anchor, ok := anchorPrice(c, rule, ls)
				if !ok {
					continue
				}
				if !cluster.MoreProtective(c.Direction, ls.StopLoss, anchor) {
					res.Skipped = append(res.Skipped, Skip{Rank: target, Current: ls.StopLoss, Anchor: anchor})
					log.WithFields(logrus.Fields{"rank": target, "sl": ls.StopLoss, "anchor": anchor}).Info("stop already protected")
					continue
				}
				if cur, queued := st.Outstanding[target]; !queued || cluster.MoreProtective(c.Direction, cur, anchor) {
					st.Outstanding[target] = anchor
				}
			}
		}
	}

	for _, target := range sortedKeys(st.Outstanding) {
		stop := st.Outstanding[target]
		ls, ok := live[target]
		if !ok {
			delete(st.Outstanding, target)
			continue
		}
		if !cluster.MoreProtective(c.Direction, ls.StopLoss, stop) {
			delete(st.Outstanding, target)
			continue
		}
		if err := r.gw.ModifyStopLoss(ctx, ls.Ticket, stop); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[int]error)
			}
			res.Failed[target] = fmt.Errorf("execution: modify stop rank %d ticket %d: %w", target, ls.Ticket, err)
			log.WithError(err).WithFields(logrus.Fields{"rank": target, "ticket": ls.Ticket, "sl": stop}).Warn("stop modify failed, will retry")
			continue
		}
		delete(st.Outstanding, target)
		c.Stage(target).StopLoss = stop
		mv := Move{ClusterID: c.ID, Rank: target, Ticket: ls.Ticket, From: ls.StopLoss, To: stop, Trigger: st.K}
		res.Moves = append(res.Moves, mv)
		log.WithFields(logrus.Fields{"rank": target, "from": ls.StopLoss, "to": stop}).Info("stop ratcheted")
	}
	return res
}

// State returns a copy of the cluster's ratchet state.
func (r *Ratchet) State(clusterID string) RatchetState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[clusterID]
	if !ok {
		return RatchetState{Phase: PhaseIdle}
	}
	out := RatchetState{
		Phase:       st.Phase,
		K:           st.K,
		Closures:    make(map[int]*ClosureRecord, len(st.Closures)),
		Outstanding: make(map[int]float64, len(st.Outstanding)),
	}
	for k, v := range st.Closures {
		rec := *v
		out.Closures[k] = &rec
	}
	for k, v := range st.Outstanding {
		out.Outstanding[k] = v
	}
	return out
}

func (r *Ratchet) Forget(clusterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, clusterID)
}

// anchorPrice resolves a rule's anchor for one live target. An entry anchor
// uses the fill price once the stage has filled.
func anchorPrice(c *cluster.Cluster, rule Rule, target LiveStage) (float64, bool) {
	var base float64
	switch rule.Anchor {
	case AnchorEntry:
		base = c.Stage(target.Rank).Entry
		if target.Filled && target.Price > 0 {
			base = target.Price
		}
	case AnchorStageTP:
		s := c.Stage(rule.AnchorRank)
		if s == nil {
			return 0, false
		}
		base = s.TakeProfit
	default:
		return 0, false
	}
	if base <= 0 {
		return 0, false
	}
	return cluster.Offset(c.Direction, base, -rule.Offset), true
}

func sortedClosureRanks(m map[int]*ClosureRecord) []int {
	ranks := make([]int, 0, len(m))
	for r := range m {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

func sortedKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
