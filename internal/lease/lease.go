package lease

import (
	"time"

	"ssh-port-lease/internal/store"
)

// CutoffLayout renders cutoff times as UTC with six fractional digits and a
// literal Z, e.g. 2024-01-01T00:01:00.123456Z.
const CutoffLayout = "2006-01-02T15:04:05.000000Z"

// Lease binds a client identifier to a port until CutoffTime.
type Lease struct {
	MacID      string
	Port       int
	Minutes    int
	CutoffTime time.Time
}

// Active reports whether the lease is still valid at now.
func (l Lease) Active(now time.Time) bool {
	return now.Before(l.CutoffTime)
}

// FormatCutoff formats t with CutoffLayout.
func FormatCutoff(t time.Time) string {
	return t.UTC().Format(CutoffLayout)
}

func (l Lease) record() store.Record {
	return store.Record{
		MacID:      l.MacID,
		Port:       l.Port,
		Minutes:    l.Minutes,
		CutoffTime: l.CutoffTime,
	}
}

func fromRecord(rec store.Record) Lease {
	return Lease{
		MacID:      rec.MacID,
		Port:       rec.Port,
		Minutes:    rec.Minutes,
		CutoffTime: rec.CutoffTime.UTC(),
	}
}
