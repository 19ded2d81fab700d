package model

import (
	"testing"
	"time"
)

func TestSignalExpired(t *testing.T) {
	sig := &Signal{CreatedAt: time.Now().Add(-16 * time.Minute)}
	if !sig.Expired(time.Now()) {
		t.Error("signal past TTL should be expired")
	}

	fresh := &Signal{CreatedAt: time.Now().Add(-14 * time.Minute)}
	if fresh.Expired(time.Now()) {
		t.Error("signal inside TTL should not be expired")
	}
}

func TestSideOpposite(t *testing.T) {
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Error("Opposite should swap directions")
	}
}

func TestStatusTransitions(t *testing.T) {
	terminals := []PositionStatus{StatusClosed, StatusClosedManual, StatusNeedsReview}

	for _, to := range terminals {
		if !StatusOpen.CanTransition(to) {
			t.Errorf("open → %s should be allowed", to)
		}
	}

	// Terminal states never transition again.
	for _, from := range terminals {
		for _, to := range append(terminals, StatusOpen) {
			if from.CanTransition(to) {
				t.Errorf("%s → %s should be rejected", from, to)
			}
		}
	}

	if StatusOpen.CanTransition(StatusOpen) {
		t.Error("open → open should be rejected")
	}
	if StatusOpen.CanTransition("liquidated") {
		t.Error("transition to unknown status should be rejected")
	}
}

func TestTradeBillable(t *testing.T) {
	if (&Trade{SignalID: "sig1"}).Billable() != true {
		t.Error("attributed trade should be billable")
	}
	if (&Trade{}).Billable() {
		t.Error("unattributed trade should not be billable")
	}
}
