// Package manualticker provides a ticker whose ticks are driven by tests.
package manualticker

import (
	"sync"
	"time"
)

type Ticker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func New() *Ticker {
	return &Ticker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (t *Ticker) C() <-chan time.Time {
	return t.c
}

func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

// Stopped is closed once Stop has been called.
func (t *Ticker) Stopped() <-chan struct{} {
	return t.stopped
}

// Tick delivers one tick, dropping it if the previous one is still pending.
func (t *Ticker) Tick() {
	select {
	case t.c <- time.Now():
	default:
	}
}
