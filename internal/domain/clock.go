package domain

import "time"

// timeNow is swapped in tests that need to move the clock.
var timeNow = func() time.Time { return time.Now().UTC() }
