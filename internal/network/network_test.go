package network

import (
	"strings"
	"testing"
)

func TestIsolationRulesAddRemoveSymmetric(t *testing.T) {
	add := isolationRules("-A", "tap-alpha")
	del := isolationRules("-D", "tap-alpha")
	if len(add) != len(del) {
		t.Fatalf("add has %d rules, remove has %d", len(add), len(del))
	}
	for i := range add {
		if len(add[i]) != len(del[i]) {
			t.Fatalf("rule %d differs in length between add/remove", i)
		}
	}
}

func TestIsolationRulesCoverBothChains(t *testing.T) {
	rules := isolationRules("-A", "tap-alpha")
	var sawInput, sawForward bool
	for _, r := range rules {
		joined := strings.Join(r, " ")
		if strings.Contains(joined, chainInput) {
			sawInput = true
		}
		if strings.Contains(joined, chainForward) {
			sawForward = true
		}
		if !strings.Contains(joined, "lobster:tap-alpha:") {
			t.Errorf("rule missing tenant-scoped comment: %v", r)
		}
	}
	if !sawInput || !sawForward {
		t.Fatal("expected rules touching both LOBSTER-INPUT and LOBSTER-FORWARD")
	}
}

func TestIsolationRulesDropPrivateRanges(t *testing.T) {
	rules := isolationRules("-A", "tap-alpha")
	for _, network := range privateRanges {
		found := false
		for _, r := range rules {
			if strings.Contains(strings.Join(r, " "), network) {
				found = true
			}
		}
		if !found {
			t.Errorf("expected a drop rule for %s", network)
		}
	}
}

func TestAgentLockdownRulesScopedToTapAndHost(t *testing.T) {
	rules := agentLockdownRules("tap-alpha", "10.200.1.1")
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules (allow-host, deny-rest), got %d", len(rules))
	}
	joinedAllow := strings.Join(rules[0], " ")
	if !strings.Contains(joinedAllow, "10.200.1.1") || !strings.Contains(joinedAllow, "ACCEPT") {
		t.Errorf("expected first rule to accept traffic to the host IP: %v", rules[0])
	}
	joinedDeny := strings.Join(rules[1], " ")
	if !strings.Contains(joinedDeny, "DROP") {
		t.Errorf("expected second rule to drop everything else: %v", rules[1])
	}
	for _, r := range rules {
		if !strings.Contains(strings.Join(r, " "), "lobster:tap-alpha:lockdown:") {
			t.Errorf("rule missing tenant-scoped lockdown comment: %v", r)
		}
		if r[3] != chainForward {
			t.Errorf("expected rule on %s, got chain %s", chainForward, r[3])
		}
	}
}

func TestIsRuleMissingError(t *testing.T) {
	if !isRuleMissingError(errFake("iptables: Bad rule (does a matching rule exist in that chain?).")) {
		t.Fatal("expected bad-rule message to be recognized as missing")
	}
	if isRuleMissingError(nil) {
		t.Fatal("nil should not be a missing-rule error")
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }
