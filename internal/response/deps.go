package response

// Dependencies bundles the transports a Sink may need; the supervisor
// constructs one of these at startup and passes it to NewForMessage per job.
type Dependencies struct {
	HTTPPoster HTTPPoster
	Publisher  Publisher
}
