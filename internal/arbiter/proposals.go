package arbiter

import (
	"errors"
	"sort"
	"time"
)

var ErrAlreadyProposed = errors.New("accept already proposed for ride")

type proposal struct {
	deadline time.Time
	requery  int
}

// Proposals tracks a driver's outstanding accept proposals. A proposal is
// neither success nor failure until Resolve is called with the authoritative
// outcome; Due tells the caller which rides to re-query.
type Proposals struct {
	timeout    time.Duration
	maxRequery int
	pending    map[string]*proposal
}

func NewProposals(timeout time.Duration, maxRequery int) *Proposals {
	return &Proposals{timeout: timeout, maxRequery: maxRequery, pending: make(map[string]*proposal)}
}

func (p *Proposals) Propose(rideID string, now time.Time) error {
	if _, ok := p.pending[rideID]; ok {
		return ErrAlreadyProposed
	}
	p.pending[rideID] = &proposal{deadline: now.Add(p.timeout)}
	return nil
}

func (p *Proposals) Pending(rideID string) bool {
	_, ok := p.pending[rideID]
	return ok
}

func (p *Proposals) Len() int { return len(p.pending) }

// Resolve clears a proposal; it reports whether one was pending.
func (p *Proposals) Resolve(rideID string) bool {
	_, ok := p.pending[rideID]
	delete(p.pending, rideID)
	return ok
}

// Due returns proposals whose confirmation window elapsed. Each is re-armed for
// another window; once the re-query budget is spent it is dropped and reported
// as abandoned instead.
func (p *Proposals) Due(now time.Time) (requery, abandoned []string) {
	for id, pr := range p.pending {
		if now.Before(pr.deadline) {
			continue
		}
		if pr.requery >= p.maxRequery {
			delete(p.pending, id)
			abandoned = append(abandoned, id)
			continue
		}
		pr.requery++
		pr.deadline = now.Add(p.timeout)
		requery = append(requery, id)
	}
	sort.Strings(requery)
	sort.Strings(abandoned)
	return requery, abandoned
}
