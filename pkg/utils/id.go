package utils

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// tempSeq disambiguates temp ids minted at the same clock nanosecond.
var tempSeq uint64

// GenMessageID generates a server-assigned message id. Confirmed ids are
// globally unique and never carry the reserved "temp-" prefix.
func GenMessageID() string {
	return "m-" + uuid.NewString()
}

// GenTempID generates a client-session id for an optimistic echo. Uniqueness
// is only required within the session; the counter covers sends sharing a
// nanosecond, and the prefix keeps the id from ever colliding with a
// confirmed id.
func GenTempID(now time.Time) string {
	return fmt.Sprintf("temp-%d-%d", now.UTC().UnixNano(), atomic.AddUint64(&tempSeq, 1))
}

// GenCorrelationID generates the client correlation id included in a write
// so the confirmed feed event can be matched back to its local echo.
func GenCorrelationID() string {
	return uuid.NewString()
}
