package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the request endpoint receives a request.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the response has been written.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Batch    int
	Duration time.Duration
}
