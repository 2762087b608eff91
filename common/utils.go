package common

import (
	"fmt"
	"time"
)

// GetDateTime formats t the way NASC replies carry it: YYYYMMDDhhmmss.
func GetDateTime(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%04d%02d%02d%02d%02d%02d", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
}
