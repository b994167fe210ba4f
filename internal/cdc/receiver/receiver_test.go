package receiver

import (
	"testing"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

func TestEffectiveLSN_ReportsServerEndWhenDrained(t *testing.T) {
	r := &Receiver{confirmedLSN: 100, serverWALEnd: 500}
	ch := make(chan message.Message) // unbuffered, always len 0

	if got := r.effectiveLSN(ch); got != 500 {
		t.Errorf("effectiveLSN() = %d, want 500 (server end, channel drained)", got)
	}
}

func TestEffectiveLSN_ReportsConfirmedWhenBacklogged(t *testing.T) {
	r := &Receiver{confirmedLSN: 100, serverWALEnd: 500}
	ch := make(chan message.Message, 1)
	ch <- &message.CommitMessage{CommitLSN: 200}

	if got := r.effectiveLSN(ch); got != 100 {
		t.Errorf("effectiveLSN() = %d, want 100 (confirmed, channel backlogged)", got)
	}
}

func TestConfirmLSN_OnlyAdvances(t *testing.T) {
	r := &Receiver{confirmedLSN: 100}
	r.ConfirmLSN(50)
	if r.confirmedLSN != 100 {
		t.Errorf("ConfirmLSN should not move backwards, got %d", r.confirmedLSN)
	}
	r.ConfirmLSN(200)
	if r.confirmedLSN != 200 {
		t.Errorf("ConfirmLSN should advance to 200, got %d", r.confirmedLSN)
	}
}
