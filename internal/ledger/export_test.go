package ledger

import "time"

func SetClock(l *Ledger, now func() time.Time) { l.now = now }
