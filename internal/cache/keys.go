package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// EventsChannel carries job events between server instances.
const EventsChannel = "events:jobs"

func JobStatusKey(correlationID uuid.UUID) string {
	return fmt.Sprintf("job:%s", correlationID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
