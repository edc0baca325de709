package retry

// Fallthrough forwards every error to the caller and never retries.
type Fallthrough struct{}

func NewFallthrough() Fallthrough {
	return Fallthrough{}
}

func (Fallthrough) NewSession() Session {
	return fallthroughSession{}
}

type fallthroughSession struct{}

func (fallthroughSession) Decide(RequestInfo) Decision {
	return Stop()
}

func (fallthroughSession) Reset() {}
