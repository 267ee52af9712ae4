package tlsrpt

import (
	"reflect"
	"strings"
	"testing"
)

const reportJSON = `{
	"organization-name": "Company-X",
	"date-range": {
		"start-datetime": "2016-04-01T00:00:00Z",
		"end-datetime": "2016-04-01T23:59:59Z"
	},
	"contact-info": "sts-reporting@company-x.example",
	"report-id": "5065427c-23d3-47ca-b6e0-946ea0e8c4be",
	"policies": [{
		"policy": {
			"policy-type": "sts",
			"policy-string": ["version: STSv1","mode: testing","mx: *.mail.company-y.example","max_age: 86400"],
			"policy-domain": "company-y.example",
			"mx-host": ["*.mail.company-y.example"]
		},
		"summary": {
			"total-successful-session-count": 5326,
			"total-failure-session-count": 303
		},
		"failure-details": [{
			"result-type": "certificate-expired",
			"sending-mta-ip": "2001:db8:abcd:0012::1",
			"receiving-mx-hostname": "mx1.mail.company-y.example",
			"failed-session-count": 100
		}]
	}]
}`

func TestParse(t *testing.T) {
	report, err := Parse(strings.NewReader(reportJSON))
	if err != nil {
		t.Fatalf("parsing report: %s", err)
	}
	if report.OrganizationName != "Company-X" {
		t.Fatalf("got organization name %q, expected Company-X", report.OrganizationName)
	}
	if len(report.Policies) != 1 || report.Policies[0].Summary.TotalSuccessfulSessionCount != 5326 {
		t.Fatalf("unexpected policies %#v", report.Policies)
	}

	// Missing timezone in datetimes, as seen in the wild.
	const bad = `{"date-range": {"start-datetime": "2016-04-01T00:00:00", "end-datetime": "2016-04-01T23:59:59"}}`
	if _, err := Parse(strings.NewReader(bad)); err != nil {
		t.Fatalf("parsing report with timezoneless datetimes: %s", err)
	}
}

func TestMerge(t *testing.T) {
	policy := ResultPolicy{Type: STS, Domain: "example.com", String: []string{"version: STSv1"}, MXHost: []string{"mx.example.com"}}
	fdExpired := FailureDetails{ResultType: ResultCertificateExpired, SendingMTAIP: "10.0.0.1", ReceivingMXHostname: "mx.example.com", FailedSessionCount: 1}
	fdMismatch := FailureDetails{ResultType: ResultCertificateHostMismatch, SendingMTAIP: "10.0.0.1", ReceivingMXHostname: "mx.example.com", FailedSessionCount: 1}

	var r Report
	r.Merge(Result{Policy: policy, Summary: Summary{TotalSuccessfulSessionCount: 2}, FailureDetails: []FailureDetails{fdExpired}})
	r.Merge(Result{Policy: policy, Summary: Summary{TotalFailureSessionCount: 1}, FailureDetails: []FailureDetails{fdExpired, fdMismatch}})

	exp := []Result{
		{
			Policy:  policy,
			Summary: Summary{TotalSuccessfulSessionCount: 2, TotalFailureSessionCount: 1},
			FailureDetails: []FailureDetails{
				{ResultType: ResultCertificateExpired, SendingMTAIP: "10.0.0.1", ReceivingMXHostname: "mx.example.com", FailedSessionCount: 2},
				fdMismatch,
			},
		},
	}
	if !reflect.DeepEqual(r.Policies, exp) {
		t.Fatalf("merged policies:\ngot %#v\nexpected %#v", r.Policies, exp)
	}

	// Different policy gets its own result.
	other := policy
	other.Domain = "other.example"
	r.Merge(Result{Policy: other, Summary: Summary{TotalSuccessfulSessionCount: 1}})
	if len(r.Policies) != 2 {
		t.Fatalf("got %d policies after merging different policy, expected 2", len(r.Policies))
	}
}
