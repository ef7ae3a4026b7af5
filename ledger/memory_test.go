package ledger_test

import (
	"testing"

	"github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/ledger"
	"github.com/ineyio/quotagate/ledger/ledgertest"
)

func TestMemoryConformance(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, clock *ledgertest.Clock) quotagate.Ledger {
		return ledger.NewMemory(ledger.WithClock(clock.Now))
	})
}
