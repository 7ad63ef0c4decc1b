package provider

import (
	"perpsim/feed"
	"perpsim/play"
)

// Preflight verifies that the loaded data can actually carry the run:
// frames exist for every declared role, warmups are satisfiable, the
// funding series covers every boundary the window will cross, and the
// minute stream spans the execution window. The loop assumes all of this.
func Preflight(p *play.Play, frames map[feed.Role]feed.Frame,
	funding *feed.FundingSeries, minutes *feed.MinuteStream) error {

	for _, role := range p.Timeframes.Roles() {
		f, ok := frames[role]
		if !ok {
			return dataErrf("no frame loaded for declared role %s", role)
		}
		want, _ := p.Timeframes.ByRole(role)
		if f.TF != want {
			return dataErrf("role %s: frame is %s, play declares %s", role, f.TF, want)
		}
		if need := p.WarmupFor(role); len(f.Bars) <= need {
			return dataErrf("role %s: warmup of %d unsatisfiable with %d bars", role, need, len(f.Bars))
		}
	}

	exec := frames[feed.RoleExec]
	start := exec.Bars[0].TsOpen
	end := exec.Bars[len(exec.Bars)-1].TsClose

	if p.Risk.FundingEnabled {
		for _, boundary := range feed.BoundariesIn(start, end) {
			if _, ok := funding.RateAt(boundary); !ok {
				return dataErrf("funding series missing boundary %d", boundary)
			}
		}
	}

	if minutes != nil && minutes.Len() > 0 {
		if _, ok := minutes.At(start); !ok {
			return dataErrf("minute stream does not start at execution window open %d", start)
		}
		need := (end - start) / feed.TF1m.Millis()
		if int64(minutes.Len()) < need {
			return dataErrf("minute stream has %d bars, execution window needs %d", minutes.Len(), need)
		}
	}
	return nil
}
