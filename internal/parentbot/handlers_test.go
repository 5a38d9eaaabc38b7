package parentbot

import (
	"testing"

	"github.com/meep1w/pocketbot/internal/model"
)

func TestBroadcastSegment(t *testing.T) {
	cases := []struct {
		arg  string
		want model.FunnelStep
		ok   bool
	}{
		{"all", model.StepNew, true},
		{"ALL", model.StepNew, true},
		{"registered", model.StepRegistered, true},
		{"deposited", model.StepDeposited, true},
		{"Deposited", model.StepDeposited, true},
		{"everyone", "", false},
		{"", "", false},
		{"42", "", false},
	}
	for _, tc := range cases {
		got, ok := broadcastSegment(tc.arg)
		if ok != tc.ok || got != tc.want {
			t.Errorf("broadcastSegment(%q) = (%q, %v), want (%q, %v)", tc.arg, got, ok, tc.want, tc.ok)
		}
	}
}

func TestBotTokenPattern(t *testing.T) {
	valid := []string{
		"123456789:AAF0abcdEFGH_ijkl-MNOPqrstUVwxyz",
		"1:abcdefghijklmnopqrst",
	}
	for _, tok := range valid {
		if !botTokenRe.MatchString(tok) {
			t.Errorf("token %q rejected", tok)
		}
	}
	invalid := []string{
		"no-colon",
		"abc:def",
		"123456789:short",
		"123456789:has spaces in the secret part",
	}
	for _, tok := range invalid {
		if botTokenRe.MatchString(tok) {
			t.Errorf("token %q accepted", tok)
		}
	}
}
