package timeline

const (
	// DefaultPageSize is the limit used for initial windows, older pages and catch-up pages.
	DefaultPageSize = 50
	// DefaultMaxCatchUpPages bounds one reconnect catch-up.
	DefaultMaxCatchUpPages = 20
)
