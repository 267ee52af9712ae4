package tlsrpt

import (
	"slices"
)

// Merge adds the given results to report, merging with existing results for
// the same policy, and merging identical failure details by summing their
// session counts.
func (r *Report) Merge(results ...Result) {
Merge:
	for _, nr := range results {
		for i, p := range r.Policies {
			if !policyEqual(p.Policy, nr.Policy) {
				continue
			}

			r.Policies[i].Summary.TotalSuccessfulSessionCount += nr.Summary.TotalSuccessfulSessionCount
			r.Policies[i].Summary.TotalFailureSessionCount += nr.Summary.TotalFailureSessionCount

		Details:
			for _, nd := range nr.FailureDetails {
				for j, d := range r.Policies[i].FailureDetails {
					if detailsEqual(d, nd) {
						r.Policies[i].FailureDetails[j].FailedSessionCount += nd.FailedSessionCount
						continue Details
					}
				}
				r.Policies[i].FailureDetails = append(r.Policies[i].FailureDetails, nd)
			}
			continue Merge
		}

		r.Policies = append(r.Policies, nr)
	}
}

func policyEqual(a, b ResultPolicy) bool {
	return a.Type == b.Type && a.Domain == b.Domain && slices.Equal(a.String, b.String) && slices.Equal(a.MXHost, b.MXHost)
}

// detailsEqual compares everything except the failed session count.
func detailsEqual(a, b FailureDetails) bool {
	a.FailedSessionCount = 0
	b.FailedSessionCount = 0
	return a == b
}
