package replay

import (
	"log/slog"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/mutation"
)

// SequentialIDChecker warns when the ids stamped on events at recording
// time skip or go backwards. The first stamped event sets the starting
// point, so a replay may begin at a later checkout. Events without an id
// are not checked.
type SequentialIDChecker struct {
	log  *slog.Logger
	last int64
	gaps int
}

// NewSequentialIDChecker returns a checker logging gaps on logger, or on
// slog.Default when nil.
func NewSequentialIDChecker(logger *slog.Logger) *SequentialIDChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SequentialIDChecker{log: logger}
}

func (*SequentialIDChecker) OnBuild(*html.Node, int) {}

func (c *SequentialIDChecker) OnEvent(ev mutation.Event) {
	if ev.ID == 0 {
		return
	}
	if want := c.last + 1; c.last != 0 && ev.ID != want {
		c.gaps++
		c.log.Warn("replay: unexpected event id", "want", want, "got", ev.ID)
	}
	c.last = ev.ID
}

// Gaps returns how many events carried an unexpected id.
func (c *SequentialIDChecker) Gaps() int { return c.gaps }
