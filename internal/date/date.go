// Package date provides a cached, thread-safe HTTP date string.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

// currentDate caches the formatted date so responses do not format
// time.Now on every write.
var currentDate atomic.Pointer[string]

// StartTicker refreshes the cached date every 500ms until the returned
// stop function is called.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update() {
	s := time.Now().UTC().Format(http.TimeFormat)
	currentDate.Store(&s)
}

// Current returns the cached Date header value. Before StartTicker has run
// it formats the current time.
func Current() string {
	if p := currentDate.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(http.TimeFormat)
}
