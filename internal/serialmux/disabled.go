package serialmux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

// ErrSerialDisabled is returned by DisabledSerialMux.WriteLine.
var ErrSerialDisabled = errors.New("serial port disabled")

// DisabledSerialMux stands in for the serial link when the bridge runs on
// another transport. Subscribers never receive lines; their channels close
// on Unsubscribe or Close. The debug page reports the port as disabled.
type DisabledSerialMux struct {
	reason string

	mu     sync.Mutex
	subs   map[string]chan string
	closed bool

	refused atomic.Uint64
}

// NewDisabledSerialMux returns a mux that explains itself with reason on the
// debug page, e.g. "transport=nats".
func NewDisabledSerialMux(reason string) *DisabledSerialMux {
	return &DisabledSerialMux{reason: reason, subs: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := uuid.NewString(), make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subs[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop(id)
}

// drop closes and forgets one subscriber. d.mu must be held.
func (d *DisabledSerialMux) drop(id string) {
	if ch, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(ch)
	}
}

// WriteLine counts the refused line and returns ErrSerialDisabled.
func (d *DisabledSerialMux) WriteLine(string) error {
	d.refused.Add(1)
	return ErrSerialDisabled
}

// Refused returns how many WriteLine calls were refused.
func (d *DisabledSerialMux) Refused() uint64 { return d.refused.Load() }

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id := range d.subs {
		d.drop(id)
	}
	return nil
}

// AttachAdminRoutes mounts the same slugs as SerialMux so operator scripts
// get a clear 503 instead of a 404.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Serial port", func() any {
		return fmt.Sprintf("disabled (%s), %d writes refused", d.reason, d.Refused())
	})
	unavailable := func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, fmt.Sprintf("serial port disabled (%s)", d.reason), http.StatusServiceUnavailable)
	}
	debug.HandleSilentFunc("serial-write", unavailable)
	debug.HandleSilentFunc("serial-tail", unavailable)
}
