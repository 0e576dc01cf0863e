package cat

import "github.com/mindgauge/backend/internal/domain"

// Candidate is an item as seen by the selector: id, domain, and 2PL
// parameters. Callers pass only servable items not yet administered in
// the session.
type Candidate struct {
	ID     int64
	Domain domain.Domain
	Params Params
}

// SelectNext picks the candidate with maximum Fisher information at
// theta, subject to content balancing: when some domains sit below the
// current floor while others do not, the pool narrows to the under-served
// domains. Ties break on higher information, then lower item id, so a
// fixed bank and response sequence always yields the same test. The
// second return is false when no candidate remains, which callers treat
// as pool exhaustion.
func (e *Engine) SelectNext(candidates []Candidate, theta float64, counts map[domain.Domain]int, administered int) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	pool := candidates
	if under := e.underServed(counts, administered); under != nil {
		narrowed := make([]Candidate, 0, len(candidates))
		for _, c := range candidates {
			if under[c.Domain] {
				narrowed = append(narrowed, c)
			}
		}
		// Balance is a preference: if no candidate can advance it,
		// fall back to the full pool rather than stalling the session.
		if len(narrowed) > 0 {
			pool = narrowed
		}
	}

	best := pool[0]
	bestInfo := Information(best.Params, theta)
	for _, c := range pool[1:] {
		info := Information(c.Params, theta)
		if info > bestInfo || (info == bestInfo && c.ID < best.ID) {
			best = c
			bestInfo = info
		}
	}
	return best, true
}

// underServed returns the set of domains below the current floor, or nil
// when no restriction applies. All domains equally at zero is the start
// of the session, not an imbalance.
func (e *Engine) underServed(counts map[domain.Domain]int, administered int) map[domain.Domain]bool {
	minimum := e.minPerDomain(administered)
	under := make(map[domain.Domain]bool, len(domain.Domains))
	for _, d := range domain.Domains {
		if counts[d] < minimum {
			under[d] = true
		}
	}
	if len(under) == 0 || len(under) == len(domain.Domains) {
		return nil
	}
	return under
}
