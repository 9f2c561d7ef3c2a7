package control

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoPolymarket/cluster-trader/internal/cluster"
)

type Verb string

const (
	VerbStart          Verb = "start"
	VerbStop           Verb = "stop"
	VerbForce          Verb = "force"
	VerbOverride       Verb = "override"
	VerbThresholds     Verb = "thresholds"
	VerbStatus         Verb = "status"
	VerbResetStreak    Verb = "reset_streak"
	VerbConfirm        Verb = "confirm"
	VerbCancel         Verb = "cancel"
	VerbCloseAll       Verb = "close_all"
	VerbClosePositions Verb = "close_positions"
	VerbCancelPending  Verb = "cancel_pending"
)

var aliases = map[string]Verb{
	"start":           VerbStart,
	"stop":            VerbStop,
	"force":           VerbForce,
	"open":            VerbForce,
	"override":        VerbOverride,
	"thresholds":      VerbThresholds,
	"threshold":       VerbThresholds,
	"status":          VerbStatus,
	"reset":           VerbResetStreak,
	"reset_streak":    VerbResetStreak,
	"confirm":         VerbConfirm,
	"yes":             VerbConfirm,
	"cancel":          VerbCancel,
	"no":              VerbCancel,
	"close_all":       VerbCloseAll,
	"closeall":        VerbCloseAll,
	"close_positions": VerbClosePositions,
	"cancel_pending":  VerbCancelPending,
}

var ErrUnknownVerb = errors.New("control: unknown command")

// Command is one operator instruction. ID is the delivery identity used to
// drop redeliveries.
type Command struct {
	ID        string            `json:"id"`
	Verb      Verb              `json:"verb"`
	Args      []string          `json:"args,omitempty"`
	Source    string            `json:"source"`
	Direction cluster.Direction `json:"direction,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Buy       float64           `json:"buy,omitempty"`
	Sell      float64           `json:"sell,omitempty"`
	At        time.Time         `json:"at"`

	// Reply, when set, receives the outcome once the engine applies the
	// command. It must be buffered.
	Reply chan Result `json:"-"`
}

type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Respond delivers r without blocking.
func (c Command) Respond(r Result) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- r:
	default:
	}
}

// Parse reads a chat-style command such as "/stop sell" or
// "/thresholds 30 40". The bot mention suffix of group commands is ignored.
func Parse(text string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Command{}, ErrUnknownVerb
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	verb, ok := aliases[strings.ToLower(name)]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownVerb, name)
	}
	return Build(verb, fields[1:])
}

// Build validates args for verb and fills the typed fields.
func Build(verb Verb, args []string) (Command, error) {
	cmd := Command{Verb: verb, Args: args}
	var err error
	switch verb {
	case VerbStart, VerbStop:
		if len(args) > 0 {
			cmd.Direction, err = cluster.ParseDirection(args[0])
		}
	case VerbForce:
		if len(args) != 1 {
			return cmd, fmt.Errorf("control: %s needs a direction", verb)
		}
		cmd.Direction, err = cluster.ParseDirection(args[0])
	case VerbOverride:
		if len(args) != 1 {
			return cmd, fmt.Errorf("control: %s needs a score", verb)
		}
		cmd.Value, err = positive(args[0])
	case VerbThresholds:
		switch len(args) {
		case 1:
			cmd.Buy, err = positive(args[0])
			cmd.Sell = cmd.Buy
		case 2:
			if cmd.Buy, err = positive(args[0]); err == nil {
				cmd.Sell, err = positive(args[1])
			}
		default:
			return cmd, fmt.Errorf("control: %s needs one or two scores", verb)
		}
	case VerbStatus, VerbResetStreak, VerbConfirm, VerbCancel,
		VerbCloseAll, VerbClosePositions, VerbCancelPending:
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}
	if err != nil {
		return cmd, fmt.Errorf("control: %s: %w", verb, err)
	}
	return cmd, nil
}

// Stamp assigns an ID when the transport supplied none.
func (c *Command) Stamp(source string, now time.Time) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Source = source
	c.At = now
}

// ConfirmID is the confirmation request id an operator named, if any.
func (c Command) ConfirmID() string {
	if len(c.Args) > 0 {
		return c.Args[0]
	}
	return ""
}

func positive(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("score %v must be a positive number", v)
	}
	return v, nil
}
