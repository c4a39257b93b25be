package ride

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusSearching, StatusMatched, true},
		{StatusMatched, StatusAccepted, true},
		{StatusAccepted, StatusInProgress, true},
		{StatusInProgress, StatusCompletedUnsettled, true},
		{StatusCompletedUnsettled, StatusCompleted, true},
		// decline puts the ride back into the pool
		{StatusMatched, StatusSearching, true},
		{StatusSearching, StatusFailedNoDriver, true},
		{StatusSearching, StatusCancelledByRider, true},
		{StatusAccepted, StatusCancelledByDriver, true},
		{StatusInProgress, StatusCancelledByAdmin, true},
		{StatusInProgress, StatusCancelledByRider, false},
		{StatusInProgress, StatusCancelledByDriver, false},
		// skipping states
		{StatusSearching, StatusAccepted, false},
		{StatusMatched, StatusInProgress, false},
		{StatusInProgress, StatusCompleted, false},
		{StatusAccepted, StatusSearching, false},
		{StatusMatched, StatusFailedNoDriver, false},
		// terminal states
		{StatusCompleted, StatusSearching, false},
		{StatusCancelledByRider, StatusSearching, false},
		{StatusFailedNoDriver, StatusSearching, false},
		{StatusCompletedUnsettled, StatusCancelledByAdmin, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range ActiveStatuses {
		if !s.Active() || s.Terminal() {
			t.Fatalf("%s should be active and non-terminal", s)
		}
	}
	if StatusSearching.Active() {
		t.Fatal("searching holds no driver")
	}
	if StatusCompletedUnsettled.Terminal() {
		t.Fatal("completed_unsettled awaits settlement")
	}
	for _, s := range []Status{StatusCompleted, StatusFailedNoDriver, StatusCancelledByAdmin} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if len(AllowedTransitions[s]) != 0 {
			t.Fatalf("%s has outgoing transitions", s)
		}
	}
}
