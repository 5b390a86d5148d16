package model

import "testing"

func TestLoanStateTerminal(t *testing.T) {
	cases := []struct {
		state LoanState
		want  bool
	}{
		{LoanReserved, false},
		{LoanSubmitted, false},
		{LoanSettled, true},
		{LoanExpired, true},
		{LoanRejected, true},
	}
	for _, tc := range cases {
		if got := tc.state.Terminal(); got != tc.want {
			t.Fatalf("%s.Terminal() = %v, want %v", tc.state, got, tc.want)
		}
	}
}

func TestPairString(t *testing.T) {
	pair := Pair{Base: "LBTC", Quote: "LUSDT"}
	if got := pair.String(); got != "LBTC/LUSDT" {
		t.Fatalf("String() = %q", got)
	}
}
