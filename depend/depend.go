// Package depend implements the dependency coordinator (spec component H):
// a service readiness protocol layered on top of handle/pipe, with an
// offer side that advertises a service under //.sys/Depend/<service>/ and
// a requester side that waits for every registered dependency to become
// observable (and optionally reach a demanded state) before firing
// completed exactly once.
//
// Grounded on original_source/src/ArnDepend.cpp's ArnDependOffer/ArnDepend
// (echo-pipe request/response loop, 10s echoRefresh timer, per-dependency
// DepSlot state machine collapsing to doDepOk/deleteSlot). Reimplemented
// around handle.Handle/pipe.Pipe and a channel-based completion signal
// instead of Qt's signal/slot and event-loop-queued deletion.
package depend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/arn-go/arnd/handle"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/pipe"
	"github.com/arn-go/arnd/value"
	log "github.com/sirupsen/logrus"
)

// BasePath is the root under which every service's dependency triad lives
// (original_source/src/ArnDepend.cpp's ArnDependPath).
const BasePath = "//.sys/Depend/"

func servicePath(service string) string { return BasePath + service + "/" }

// echoRefreshInterval is spec §5's "The dependency coordinator's echo
// refresh timer fires every 10 s until echo-OK."
const echoRefreshInterval = 10 * time.Second

// Offer is the provider side of one advertised service (spec §4.8 "Offer
// side"). It owns the echoPipe!/stateName/stateId master triad and echoes
// back whatever byte string arrives on the pipe.
type Offer struct {
	service  string
	echoPipe *pipe.Pipe
	state    *handle.Handle
	stateID  *handle.Handle
}

// Advertise creates the offer triad for service and starts echoing
// requests (original_source's ArnDependOffer::advertise).
func Advertise(store *link.Store, outbound *pipe.Queue, service string) (*Offer, error) {
	base := servicePath(service)

	echoPipe, err := pipe.Open(store, base+"echoPipe!", outbound)
	if err != nil {
		return nil, fmt.Errorf("depend: open echo pipe for %q: %w", service, err)
	}
	echoPipe.SetMaster()
	// Materialize the requester-facing twin eagerly, so a requester that
	// opens "echoPipe" (no provider marker) before this offer ever
	// receives a request still gets the same BiDir pair (spec §3.1).
	if _, err := store.AddTwin(echoPipe.Link(), link.ModePipe); err != nil {
		return nil, fmt.Errorf("depend: add twin for %q echo pipe: %w", service, err)
	}

	state, err := handle.Open(store, base+"stateName", link.KindLeaf)
	if err != nil {
		return nil, fmt.Errorf("depend: open stateName for %q: %w", service, err)
	}
	state.SetMaster()

	stateID, err := handle.Open(store, base+"stateId", link.KindLeaf)
	if err != nil {
		return nil, fmt.Errorf("depend: open stateId for %q: %w", service, err)
	}
	stateID.SetMaster()

	o := &Offer{service: service, echoPipe: echoPipe, state: state, stateID: stateID}
	if _, err := state.SetValue(value.String("Start")); err != nil {
		return nil, err
	}
	if _, err := stateID.SetValue(value.Int(0)); err != nil {
		return nil, err
	}
	echoPipe.OnFrame(o.requestReceived)
	return o, nil
}

// requestReceived echoes the request back (original_source's
// requestReceived: "d->_arnEchoPipeFB = req;" — the twin mechanism
// delivers it to the requester's matching echoPipe).
func (o *Offer) requestReceived(f pipe.Frame) {
	if err := o.echoPipe.Write(f.Value); err != nil {
		log.WithError(err).WithField("service", o.service).Warn("depend: echo write failed")
	}
}

// SetStateName updates the advertised state name.
func (o *Offer) SetStateName(name string) error {
	_, err := o.state.SetValue(value.String(name))
	return err
}

// SetStateID updates the advertised state id.
func (o *Offer) SetStateID(id int64) error {
	_, err := o.stateID.SetValue(value.Int(id))
	return err
}

// Close releases the offer's handles.
func (o *Offer) Close() {
	o.echoPipe.Close()
	o.state.Close()
	o.stateID.Close()
}

// dependency is one entry registered with a Coordinator before Start.
type dependency struct {
	service       string
	useStateCheck bool
	byName        bool
	stateName     string
	stateID       int64

	echoPipe *pipe.Pipe
	state    *handle.Handle
	stateIDH *handle.Handle

	echoOK   bool
	stateOK  bool
}

// Coordinator is the requester side (spec §4.8 "Requester side" / spec
// component H, original_source's ArnDepend): it waits for a batch of
// services to become observable, then fires Completed exactly once.
type Coordinator struct {
	store *link.Store

	mu      sync.Mutex
	deps    []*dependency
	uuid    string
	started bool

	completed chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewCoordinator creates an empty coordinator. Register dependencies with
// AddByName/AddByID before calling Start.
func NewCoordinator(store *link.Store) (*Coordinator, error) {
	u, err := newUUID()
	if err != nil {
		return nil, err
	}
	return &Coordinator{store: store, uuid: u, completed: make(chan struct{})}, nil
}

func newUUID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (c *Coordinator) setupSlot(service string) (*dependency, error) {
	base := servicePath(service)
	echoPipe, err := pipe.Open(c.store, base+"echoPipe", nil)
	if err != nil {
		return nil, fmt.Errorf("depend: open echo pipe for %q: %w", service, err)
	}
	state, err := handle.Open(c.store, base+"stateName", link.KindLeaf)
	if err != nil {
		return nil, fmt.Errorf("depend: open stateName for %q: %w", service, err)
	}
	stateID, err := handle.Open(c.store, base+"stateId", link.KindLeaf)
	if err != nil {
		return nil, fmt.Errorf("depend: open stateId for %q: %w", service, err)
	}
	d := &dependency{service: service, echoPipe: echoPipe, state: state, stateIDH: stateID}
	c.deps = append(c.deps, d)
	return d, nil
}

// AddByName registers a dependency on service, satisfied once echo-OK and
// its stateName equals name (spec §4.8 step 4).
func (c *Coordinator) AddByName(service, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.setupSlot(service)
	if err != nil {
		return err
	}
	d.stateName = name
	d.byName = true
	d.useStateCheck = true
	return nil
}

// AddByID registers a dependency on service, satisfied once echo-OK and
// its stateId is at least id (id < 0 skips the state check entirely,
// mirroring original_source's "useStateCheck = stateId >= 0").
func (c *Coordinator) AddByID(service string, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.setupSlot(service)
	if err != nil {
		return err
	}
	d.stateID = id
	d.useStateCheck = id >= 0
	return nil
}

// Add registers a bare dependency with no state check: echo-OK alone
// satisfies it.
func (c *Coordinator) Add(service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.setupSlot(service)
	return err
}

// Completed fires exactly once, after every registered dependency has
// reached echo-OK and (if requested) its demanded state (spec §4.8).
func (c *Coordinator) Completed() <-chan struct{} { return c.completed }

// Start begins the echo request/refresh loop for every registered
// dependency (original_source's startMonitor).
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	deps := append([]*dependency(nil), c.deps...)
	c.mu.Unlock()

	refresh := time.NewTicker(echoRefreshInterval)
	go func() {
		defer refresh.Stop()
		for _, d := range deps {
			d := d
			d.echoPipe.OnFrame(func(f pipe.Frame) { c.echoCheck(d, f.Value.String()) })
			d.state.OnChange(func(n link.Notification) { c.stateCheck(d) })
			d.stateIDH.OnChange(func(n link.Notification) { c.stateCheck(d) })
			c.sendEchoRequest(d)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-refresh.C:
				c.echoRefresh(deps)
			case <-c.completed:
				return
			}
		}
	}()
}

func (c *Coordinator) sendEchoRequest(d *dependency) {
	if err := d.echoPipe.Write(value.String(c.uuid)); err != nil {
		log.WithError(err).WithField("service", d.service).Warn("depend: echo request failed")
	}
}

// echoRefresh retransmits the UUID for every dependency still waiting on
// echo-OK (original_source's ArnDepend::echoRefresh, "Lost echo, doing
// refresh").
func (c *Coordinator) echoRefresh(deps []*dependency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range deps {
		if !d.echoOK {
			log.WithField("service", d.service).Warn("depend: lost echo, refreshing")
			c.sendEchoRequest(d)
		}
	}
}

func (c *Coordinator) echoCheck(d *dependency, echo string) {
	c.mu.Lock()
	if d.echoOK {
		c.mu.Unlock()
		return
	}
	if echo != c.uuid {
		c.mu.Unlock()
		return
	}
	d.echoOK = true
	needState := d.useStateCheck
	c.mu.Unlock()

	if needState {
		c.stateCheck(d)
	} else {
		c.markDepOK(d)
	}
}

func (c *Coordinator) stateCheck(d *dependency) {
	c.mu.Lock()
	if !d.echoOK || d.stateOK {
		c.mu.Unlock()
		return
	}
	ok := false
	if d.useStateCheck {
		if d.byName {
			ok = d.state.GetValue().String() == d.stateName
		} else {
			ok = d.stateIDH.GetValue().Int() >= d.stateID
		}
	}
	if ok {
		d.stateOK = true
	}
	c.mu.Unlock()

	if ok {
		c.markDepOK(d)
	}
}

// markDepOK removes d from the pending set; once empty, Completed fires
// (original_source's doDepOk/deleteSlot).
func (c *Coordinator) markDepOK(d *dependency) {
	c.mu.Lock()
	for i, dep := range c.deps {
		if dep == d {
			c.deps = append(c.deps[:i], c.deps[i+1:]...)
			break
		}
	}
	d.echoPipe.Close()
	d.state.Close()
	d.stateIDH.Close()
	remaining := len(c.deps)
	c.mu.Unlock()

	if remaining == 0 {
		c.closeOnce.Do(func() { close(c.completed) })
	}
}

// Stop cancels the coordinator's background goroutine without closing its
// handles (for shutdown when dependencies never resolved).
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
