// Package fleet ties the client together: credentials, transport, registry,
// cache, scheduler, command dispatcher, and streaming. A [Controller] is the
// single owned object hosts construct; it exposes non-blocking state reads,
// serialized command submission, and the fleet's stable VIN-keyed
// identities.
package fleet

import (
	"context"
	"time"

	"github.com/homefleet/teslasync/internal/cmdq"
	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/internal/poller"
	"github.com/homefleet/teslasync/pkg/auth"
	"github.com/homefleet/teslasync/pkg/connector/rest"
	"github.com/homefleet/teslasync/pkg/registry"
	"github.com/homefleet/teslasync/pkg/state"
	"github.com/homefleet/teslasync/pkg/stream"
)

// Config collects the host-tunable settings. The zero value works against
// the production API with default scheduling.
type Config struct {
	// Host overrides the API server.
	Host string
	// AuthHost overrides the OAuth token endpoint host.
	AuthHost string
	// StreamURL overrides the streaming websocket endpoint.
	StreamURL string
	// UserAgent names the host application; the library appends its own
	// identifier.
	UserAgent string
	// Poll carries the scheduler knobs.
	Poll poller.Config
	// Command carries the dispatcher retry knobs.
	Command cmdq.Config
	// OnCredentials is invoked whenever the refresh token rotates, so
	// hosts can persist it.
	OnCredentials func(auth.Credentials)
}

// Controller owns the sync engine for one account.
type Controller struct {
	creds      *auth.Manager
	conn       *rest.Connection
	registry   *registry.Registry
	cache      *state.Cache
	poller     *poller.Poller
	dispatcher *cmdq.Dispatcher
	listener   *stream.Listener
}

// New builds a stopped Controller from durable credentials. Call Start to
// discover the fleet and begin polling.
func New(creds auth.Credentials, cfg Config) *Controller {
	manager := auth.NewManager(creds)
	userAgent := buildUserAgent(cfg.UserAgent)
	manager.UserAgent = userAgent
	if cfg.AuthHost != "" {
		manager.AuthHost = cfg.AuthHost
	}
	if cfg.OnCredentials != nil {
		manager.OnUpdate = cfg.OnCredentials
	}

	conn := rest.NewConnection(manager, cfg.Host, userAgent)
	cache := state.NewCache()
	api := &apiClient{conn: conn}
	reg := registry.New(conn)
	p := poller.New(cfg.Poll, api, cache)
	p.Sites = api
	p.Presence = presenceSource{reg: reg}
	listener := stream.NewListener(manager, cache)
	if cfg.StreamURL != "" {
		listener.URL = cfg.StreamURL
	}
	return &Controller{
		creds:      manager,
		conn:       conn,
		registry:   reg,
		cache:      cache,
		poller:     p,
		dispatcher: cmdq.New(cfg.Command, api, p),
		listener:   listener,
	}
}

// presenceSource feeds the scheduler's presence sweep from the product
// listing, which reports every vehicle's online state without waking any of
// them.
type presenceSource struct {
	reg *registry.Registry
}

func (s presenceSource) ListPresence(ctx context.Context) (map[int64]bool, error) {
	vehicles, err := s.reg.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	presence := make(map[int64]bool, len(vehicles))
	for _, vehicle := range vehicles {
		if vehicle.ProductType == registry.ProductVehicle {
			presence[vehicle.ID] = vehicle.State == "online"
		}
	}
	return presence, nil
}

// Start discovers the account's fleet, begins tracking every vehicle, and
// launches the scheduling loop.
func (c *Controller) Start(ctx context.Context) error {
	vehicles, err := c.registry.Discover(ctx)
	if err != nil {
		return err
	}
	for _, vehicle := range vehicles {
		if vehicle.ProductType == registry.ProductVehicle {
			c.poller.Track(vehicle.ID, poller.PollPolicy{})
		}
	}
	for _, site := range c.registry.EnergySites() {
		c.poller.TrackSite(site.SiteID)
	}
	log.Info("Tracking %d products", len(vehicles))
	return c.poller.Start(ctx)
}

// Stop halts polling and the command queues. In-flight operations finish;
// queued commands fail rather than hang.
func (c *Controller) Stop() {
	c.dispatcher.Stop()
	c.poller.Stop()
}

// Vehicles returns the discovered fleet.
func (c *Controller) Vehicles(ctx context.Context) ([]registry.Vehicle, error) {
	return c.registry.Discover(ctx)
}

// RefreshFleet re-discovers the account's products, picking up vehicles
// added or removed externally, and adjusts tracking to match.
func (c *Controller) RefreshFleet(ctx context.Context) ([]registry.Vehicle, error) {
	before, err := c.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}
	sitesBefore := c.registry.EnergySites()
	after, err := c.registry.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	current := make(map[int64]bool, len(after))
	for _, vehicle := range after {
		current[vehicle.ID] = true
		if vehicle.ProductType == registry.ProductVehicle {
			c.poller.Track(vehicle.ID, poller.PollPolicy{})
		}
	}
	for _, vehicle := range before {
		if !current[vehicle.ID] {
			c.poller.Untrack(vehicle.ID)
		}
	}
	currentSites := make(map[int64]bool)
	for _, site := range c.registry.EnergySites() {
		currentSites[site.SiteID] = true
		c.poller.TrackSite(site.SiteID)
	}
	for _, site := range sitesBefore {
		if !currentSites[site.SiteID] {
			c.poller.UntrackSite(site.SiteID)
		}
	}
	return after, nil
}

// VINToID resolves a VIN to the vehicle's numeric id.
func (c *Controller) VINToID(vin string) (int64, error) {
	return c.registry.VINToID(vin)
}

// IDToVIN resolves a numeric id back to the vehicle's VIN.
func (c *Controller) IDToVIN(id int64) (string, error) {
	return c.registry.IDToVIN(id)
}

// EnergySites lists the account's discovered energy products.
func (c *Controller) EnergySites() []registry.EnergySite {
	return c.registry.EnergySites()
}

// ReadSitePower returns the latest cached power snapshot for an energy site
// without blocking. ok is false before the first successful poll.
func (c *Controller) ReadSitePower(siteID int64) (state.SiteSnapshot, bool) {
	return c.cache.GetSite(siteID)
}

// ReadState returns the latest cached snapshot for a vehicle without
// blocking. ok is false before the first successful fetch attempt.
// Staleness is communicated by Snapshot.FetchedAt, not by blocking.
func (c *Controller) ReadState(id int64) (state.Snapshot, bool) {
	return c.cache.Get(id)
}

// SetPollPolicy adjusts one vehicle's polling cadence.
func (c *Controller) SetPollPolicy(id int64, policy poller.PollPolicy) {
	c.poller.Track(id, policy)
}

// Tick runs one scheduling pass. Hosts that drive scheduling themselves use
// this instead of Start's internal loop.
func (c *Controller) Tick(ctx context.Context) int {
	return c.poller.Tick(ctx)
}

// RefreshSoon makes the vehicle due for a fetch on the next scheduling pass,
// subject to the usual rate budget.
func (c *Controller) RefreshSoon(id int64) {
	c.poller.ExpediteRefresh(id)
}

// SubmitCommand queues an operation behind earlier commands for the same
// vehicle and blocks until it resolves to success or a typed failure.
func (c *Controller) SubmitCommand(ctx context.Context, id int64, operation string, payload interface{}) error {
	return c.dispatcher.Dispatch(ctx, cmdq.Command{
		VehicleID:    id,
		Operation:    operation,
		Payload:      payload,
		RequiresWake: operationRequiresWake(operation),
	})
}

// WakeUp brings a vehicle online, waiting until it reports online or the
// wake timeout elapses.
func (c *Controller) WakeUp(ctx context.Context, id int64) error {
	return c.poller.EnsureAwake(ctx, id)
}

// RegisterStreamCallback registers fn for every pushed telemetry update.
func (c *Controller) RegisterStreamCallback(fn func(state.StreamUpdate)) {
	c.listener.OnUpdate(fn)
}

// StreamUpdates exposes the bounded channel of pushed updates.
func (c *Controller) StreamUpdates() <-chan state.StreamUpdate {
	return c.listener.Updates()
}

// Stream maintains a streaming connection for one vehicle, reconnecting
// after orderly disconnects until ctx is cancelled. Authentication failures
// and other hard errors are returned to the caller.
func (c *Controller) Stream(ctx context.Context, id int64) error {
	vehicle, err := c.registry.Lookup(id)
	if err != nil {
		return err
	}
	for {
		if err := c.listener.Listen(ctx, vehicle.ID, vehicle.VehicleID); err != nil {
			return err
		}
		// Orderly disconnect: the vehicle stopped reporting, typically
		// because it parked. Reconnect after a pause.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// Credentials returns the current durable credentials, including any
// rotated refresh token.
func (c *Controller) Credentials() auth.Credentials {
	return c.creds.Credentials()
}
