package provider

import "net/http"

// httpRetryable reports whether an HTTP response status should be
// retried (connection-level failures are classified by the caller
// before a status code even exists): 5xx server trouble and 429 rate
// limiting are retryable; any other 4xx (auth, bad request, not found,
// bad config) is terminal per spec §4.5/§7.
func httpRetryable(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500
}
