// Package date provides a cached, thread-safe HTTP date string.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

// currentDate caches the formatted date so response writers don't format
// time.Now() on every request.
var currentDate atomic.Pointer[string]

// StartTicker refreshes the cached date twice a second and returns a stop
// function.
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

// Current returns the cached RFC1123-style HTTP date.
func Current() string {
	p := currentDate.Load()
	if p == nil {
		return time.Now().UTC().Format(http.TimeFormat)
	}
	return *p
}
