package expr

import (
	"testing"
)

func TestParseEval(t *testing.T) {
	vars := Vars{
		"kind":         "dmarc",
		"policydomain": "sender.example",
		"disposition":  "reject",
		"rcpt":         "reports@dmarc.foobar.org",
	}

	check := func(s string, exp bool) {
		t.Helper()
		e, err := Parse(s)
		if err != nil {
			t.Fatalf("parsing %q: %v", s, err)
		}
		if got := e.Eval(vars); got != exp {
			t.Fatalf("eval %q: got %v, expected %v", s, got, exp)
		}
	}

	check("kind == 'dmarc'", true)
	check("kind == 'tlsrpt'", false)
	check("kind != 'tlsrpt'", true)
	check("kind == dmarc", true) // Bare words are literals after an operator.
	check("kind == 'dmarc' && disposition == 'reject'", true)
	check("kind == 'dmarc' && disposition == 'none'", false)
	check("kind == 'spf' || disposition == 'reject'", true)
	check("!(kind == 'spf') && policydomain != ''", true)
	check("rcpt == '*@dmarc.foobar.org'", true)
	check("rcpt == 'reports@*'", true)
	check("rcpt == '*@other.example'", false)
	check("missing == ''", true)

	bad := []string{
		"", "kind ==", "== 'x'", "kind = 'x'", "(kind == 'x'", "kind == 'x' &&",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Fatalf("parsing %q: expected error", s)
		}
	}
}

func TestBlock(t *testing.T) {
	mustParse := func(s string) *Expr {
		t.Helper()
		e, err := Parse(s)
		if err != nil {
			t.Fatalf("parsing %q: %v", s, err)
		}
		return e
	}

	b := Block{
		IfThens: []IfThen{
			{mustParse("kind == 'spf'"), "1/1h"},
			{mustParse("disposition == 'reject'"), "10/1h"},
		},
		Default: "100/24h",
	}

	if got := b.Eval(Vars{"kind": "spf"}); got != "1/1h" {
		t.Fatalf("got %q, expected 1/1h", got)
	}
	if got := b.Eval(Vars{"kind": "dmarc", "disposition": "reject"}); got != "10/1h" {
		t.Fatalf("got %q, expected 10/1h", got)
	}
	if got := b.Eval(Vars{"kind": "dmarc"}); got != "100/24h" {
		t.Fatalf("got %q, expected 100/24h", got)
	}

	// Empty block always returns the default.
	if got := (Block{Default: "x"}).Eval(nil); got != "x" {
		t.Fatalf("got %q, expected x", got)
	}
}

func TestParseBlock(t *testing.T) {
	check := func(s string, vars Vars, exp string) {
		t.Helper()
		b, err := ParseBlock(s)
		if err != nil {
			t.Fatalf("parsing block %q: %v", s, err)
		}
		if got := b.Eval(vars); got != exp {
			t.Fatalf("eval block %q: got %q, expected %q", s, got, exp)
		}
	}

	check("", nil, "")
	check("1/1h", nil, "1/1h")
	check("if kind == 'spf' then 1/1h", Vars{"kind": "spf"}, "1/1h")
	check("if kind == 'spf' then 1/1h", Vars{"kind": "dmarc"}, "")
	check("if kind == 'spf' then 1/1h else 10/24h", Vars{"kind": "dmarc"}, "10/24h")
	check("if kind == 'spf' then 1/1h else if disposition == 'reject' then 5/1h else 10/24h", Vars{"disposition": "reject"}, "5/1h")
	check("if kind == 'spf' then 1/1h else if disposition == 'reject' then 5/1h else 10/24h", Vars{"disposition": "none"}, "10/24h")

	bad := []string{
		"two words",
		"if kind == 'spf'",
		"if kind = then 1/1h",
		"if kind == 'spf' then",
		"if kind == 'spf' then two words",
		"if kind == 'spf' then 1/1h else two words",
	}
	for _, s := range bad {
		if _, err := ParseBlock(s); err == nil {
			t.Fatalf("parsing block %q: expected error", s)
		}
	}
}
