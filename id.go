package replbox

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered unique identifier. Clients use it to mint
// session identifiers; it never contains the wire delimiter.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
