package supervisor

import (
	"github.com/karwin/bookline-bot/internal/config"
	"github.com/karwin/bookline-bot/internal/lichess"
)

// Decline reason keys understood by the challenge decline endpoint.
const (
	ReasonGeneric     = "generic"
	ReasonLater       = "later"
	ReasonVariant     = "variant"
	ReasonTimeControl = "timeControl"
	ReasonRated       = "rated"
	ReasonCasual      = "casual"
)

// Verdict is a challenge policy decision. Reason is set when Accept is
// false.
type Verdict struct {
	Accept bool
	Reason string
}

func accept() Verdict            { return Verdict{Accept: true} }
func decline(why string) Verdict { return Verdict{Reason: why} }

// Evaluate checks an incoming challenge against the configured policy.
// activeGames is the number of sessions currently running; a full house
// declines with "later" so the challenger knows to retry.
func Evaluate(cfg config.ChallengeConfig, c *lichess.Challenge, activeGames int) Verdict {
	if c == nil {
		return decline(ReasonGeneric)
	}
	if cfg.MaxGames > 0 && activeGames >= cfg.MaxGames {
		return decline(ReasonLater)
	}
	if !cfg.VariantAllowed(c.Variant.Key) {
		return decline(ReasonVariant)
	}
	if c.Rated && !cfg.AcceptRated {
		return decline(ReasonCasual)
	}
	if !c.Rated && !cfg.AcceptCasual {
		return decline(ReasonRated)
	}
	if v := checkTimeControl(cfg, c.TimeControl); !v.Accept {
		return v
	}
	return accept()
}

// checkTimeControl only admits real-time clocks within the configured
// window. Correspondence and unlimited games would tie up a session for
// days.
func checkTimeControl(cfg config.ChallengeConfig, tc lichess.TimeControl) Verdict {
	if tc.Type != "clock" {
		return decline(ReasonTimeControl)
	}
	if cfg.MinInitialSecs > 0 && tc.Limit < cfg.MinInitialSecs {
		return decline(ReasonTimeControl)
	}
	if cfg.MaxInitialSecs > 0 && tc.Limit > cfg.MaxInitialSecs {
		return decline(ReasonTimeControl)
	}
	if cfg.MaxIncrement >= 0 && tc.Increment > cfg.MaxIncrement {
		return decline(ReasonTimeControl)
	}
	return accept()
}
