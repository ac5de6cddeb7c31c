// Package events delivers engine notifications to registered listeners.
package events

import (
	"slices"
	"sync"
	"time"
)

type Kind string

const (
	DownloadProgress             Kind = "downloadProgress"
	UpdateStateChanged           Kind = "updateStateChanged"
	BackgroundUpdateProgress     Kind = "backgroundUpdateProgress"
	BackgroundUpdateNotification Kind = "backgroundUpdateNotification"
)

// Progress is the payload of DownloadProgress events.
type Progress struct {
	Percent         int   `json:"percent"`
	BytesDownloaded int64 `json:"bytesDownloaded"`
	TotalBytes      int64 `json:"totalBytes"`
	Done            bool  `json:"done"`
}

type Event struct {
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	State     string    `json:"state,omitempty"`
	BundleID  string    `json:"bundleId,omitempty"`
	Version   string    `json:"version,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorKind string    `json:"errorKind,omitempty"`
}

type listener struct {
	id uint64
	fn func(Event)
}

// Bus fans events out to listeners. Publish calls listeners synchronously in
// subscription order, so a listener sees the events of one publisher in the
// order they were published.
type Bus struct {
	mutex     sync.Mutex
	nextID    uint64
	listeners []listener
	now       func() time.Time
}

func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is safe.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()
		b.listeners = slices.DeleteFunc(b.listeners, func(l listener) bool { return l.id == id })
	}
}

// Publish stamps ev with the current time if unset and delivers it.
// A nil Bus drops events.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mutex.Lock()
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	// Listeners run outside the lock so they may subscribe or unsubscribe.
	listeners := slices.Clone(b.listeners)
	b.mutex.Unlock()
	for _, l := range listeners {
		l.fn(ev)
	}
}
