package rpc

// Response is the business-level result of a request: a successful
// transport delivery of either a successful or a failed business outcome.
// A business failure (Success=false) is never surfaced as a Go error;
// only transport/timeout/capacity failures are.
type Response struct {
	Payload      []byte
	Success      bool
	ErrorMessage string
}

// StreamHandler receives incremental responses during a bidirectional
// streaming session — the one place this client dispatches across a
// user-supplied interface. OnComplete and OnError have default no-op
// behavior via the embedded BaseStreamHandler so callers only need to
// implement OnResponse.
type StreamHandler interface {
	OnResponse(resp Response)
	OnComplete()
	OnError(err error)
}

// BaseStreamHandler supplies no-op OnComplete/OnError so callers can embed
// it and only override OnResponse.
type BaseStreamHandler struct{}

func (BaseStreamHandler) OnComplete()    {}
func (BaseStreamHandler) OnError(error) {}

// FuncStreamHandler adapts a plain function to StreamHandler for callers
// who only care about incremental payloads.
type FuncStreamHandler struct {
	BaseStreamHandler
	Func func(Response)
}

func (h FuncStreamHandler) OnResponse(resp Response) { h.Func(resp) }
