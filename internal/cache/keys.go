package cache

import "fmt"

func AnalysisResultKey(key Key) string {
	return fmt.Sprintf("analysis:%s", key)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
