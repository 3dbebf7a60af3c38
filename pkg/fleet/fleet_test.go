package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/homefleet/teslasync/internal/cmdq"
	"github.com/homefleet/teslasync/internal/poller"
	"github.com/homefleet/teslasync/mocks"
	"github.com/homefleet/teslasync/pkg/auth"
	"github.com/homefleet/teslasync/pkg/connector/rest"
	"github.com/homefleet/teslasync/pkg/protocol"
)

const (
	apiBase      = "https://owner-api.teslamotors.com"
	productsBody = `{"response":[
		{"id":1001,"vehicle_id":2001,"vin":"5YJ3E1EA1NF000001","display_name":"Garage Car","state":"online"}
	],"count":1}`
	vehicleDataBody = `{"response":{
		"id":1001,"vehicle_id":2001,"vin":"5YJ3E1EA1NF000001","state":"online",
		"charge_state":{"battery_level":81,"charging_state":"Stopped"},
		"drive_state":{"shift_state":"P"},
		"vehicle_state":{"locked":false,"odometer":10000.5}
	}}`
)

func newTestController() *Controller {
	c := New(auth.Credentials{
		RefreshToken: "refresh-1",
		AccessToken:  "access-1",
		Expiry:       time.Now().Add(time.Hour),
	}, Config{
		Poll: poller.Config{
			BudgetPerWindow: 100,
			BudgetWindow:    time.Hour,
			WakeTimeout:     50 * time.Millisecond,
		},
		Command: cmdq.Config{RetryInitial: time.Millisecond, RetryCeiling: 5 * time.Millisecond},
	})
	httpmock.ActivateNonDefault(c.conn.Client())
	return c
}

var _ = Describe("Controller", func() {
	var c *Controller

	BeforeEach(func() {
		c = newTestController()
		httpmock.RegisterResponder("GET", apiBase+"/api/1/products",
			httpmock.NewStringResponder(200, productsBody))
	})

	AfterEach(func() {
		c.Stop()
		httpmock.DeactivateAndReset()
	})

	Describe("fleet discovery", func() {
		It("tracks discovered vehicles and resolves VINs", func() {
			vehicles, err := c.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(vehicles).To(HaveLen(1))

			id, err := c.VINToID("5YJ3E1EA1NF000001")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(int64(1001)))

			_, err = c.VINToID("5YJ3E1EA1NF999999")
			Expect(err).To(MatchError(protocol.ErrUnknownVehicle))
		})
	})

	Describe("state synchronization", func() {
		BeforeEach(func() {
			httpmock.RegisterResponder("GET", apiBase+"/api/1/vehicles/1001/vehicle_data",
				httpmock.NewStringResponder(200, vehicleDataBody))
		})

		It("fetches vehicle state on a tick and serves it from the cache", func() {
			_, err := c.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())
			c.poller.Track(1001, poller.PollPolicy{})

			Expect(c.Tick(context.Background())).To(Equal(1))
			Eventually(func() bool {
				snapshot, ok := c.ReadState(1001)
				return ok && snapshot.Data != nil
			}).Should(BeTrue())

			snapshot, _ := c.ReadState(1001)
			Expect(snapshot.Online).To(BeTrue())
			Expect(snapshot.Data.ChargeState.BatteryLevel).To(Equal(81))
			Expect(snapshot.Data.VehicleState.Odometer).To(Equal(10000.5))
		})

		It("reads without blocking before any fetch", func() {
			_, ok := c.ReadState(1001)
			Expect(ok).To(BeFalse())
		})

		It("refreshes presence from the product listing without touching the vehicle", func() {
			_, err := c.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())
			c.poller.Track(1001, poller.PollPolicy{Disabled: true})

			httpmock.RegisterResponder("GET", apiBase+"/api/1/products",
				httpmock.NewStringResponder(200, `{"response":[
					{"id":1001,"vehicle_id":2001,"vin":"5YJ3E1EA1NF000001","display_name":"Garage Car","state":"asleep"}
				],"count":1}`))

			Expect(c.Tick(context.Background())).To(Equal(0))
			Eventually(func() bool {
				snapshot, ok := c.ReadState(1001)
				return ok && snapshot.Asleep
			}).Should(BeTrue())
			info := httpmock.GetCallCountInfo()
			Expect(info["GET "+apiBase+"/api/1/vehicles/1001/vehicle_data"]).To(Equal(0))
		})
	})

	Describe("energy sites", func() {
		BeforeEach(func() {
			httpmock.RegisterResponder("GET", apiBase+"/api/1/products",
				httpmock.NewStringResponder(200, `{"response":[
					{"id":1001,"vehicle_id":2001,"vin":"5YJ3E1EA1NF000001","display_name":"Garage Car","state":"online"},
					{"id":3001,"energy_site_id":4001,"site_name":"Home Powerwall","resource_type":"solar","solar_type":"pv_panel","solar_power":3250.5}
				],"count":2}`))
			httpmock.RegisterResponder("GET", apiBase+"/api/1/energy_sites/4001/live_status",
				httpmock.NewStringResponder(200, `{"response":{
					"solar_power":2200,"load_power":800,"grid_power":-1400,"battery_power":0,
					"percentage_charged":92.5,"grid_status":"Active"
				}}`))
		})

		It("lists discovered sites with their solar metadata", func() {
			_, err := c.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())

			sites := c.EnergySites()
			Expect(sites).To(HaveLen(1))
			Expect(sites[0].SiteID).To(Equal(int64(4001)))
			Expect(sites[0].Name).To(Equal("Home Powerwall"))
			Expect(sites[0].ResourceType).To(Equal("solar"))
		})

		It("polls live site power on a tick and serves it from the cache", func() {
			_, err := c.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())
			c.poller.TrackSite(4001)

			c.Tick(context.Background())
			Eventually(func() bool {
				_, ok := c.ReadSitePower(4001)
				return ok
			}).Should(BeTrue())

			snapshot, _ := c.ReadSitePower(4001)
			Expect(snapshot.Power.SolarPower).To(Equal(2200.0))
			Expect(snapshot.Power.GridPower).To(Equal(-1400.0))
			Expect(snapshot.Power.PercentageCharged).To(Equal(92.5))
		})
	})

	Describe("command submission", func() {
		BeforeEach(func() {
			_, err := c.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())
			c.poller.Track(1001, poller.PollPolicy{})
			// The vehicle is online, so no wake round-trip is needed.
			httpmock.RegisterResponder("GET", apiBase+"/api/1/vehicles/1001/vehicle_data",
				httpmock.NewStringResponder(200, vehicleDataBody))
			Expect(c.Tick(context.Background())).To(Equal(1))
			Eventually(func() bool {
				snapshot, ok := c.ReadState(1001)
				return ok && snapshot.Online
			}).Should(BeTrue())
		})

		It("executes a lock command against the command endpoint", func() {
			httpmock.RegisterResponder("POST", apiBase+"/api/1/vehicles/1001/command/door_lock",
				httpmock.NewStringResponder(200, `{"response":{"result":true,"reason":""}}`))

			Expect(c.Lock(context.Background(), 1001)).To(Succeed())
			info := httpmock.GetCallCountInfo()
			Expect(info["POST "+apiBase+"/api/1/vehicles/1001/command/door_lock"]).To(Equal(1))
		})

		It("surfaces a vehicle rejection without retrying", func() {
			httpmock.RegisterResponder("POST", apiBase+"/api/1/vehicles/1001/command/door_unlock",
				httpmock.NewStringResponder(200, `{"response":{"result":false,"reason":"user_present"}}`))

			err := c.Unlock(context.Background(), 1001)
			Expect(err).To(HaveOccurred())
			Expect(protocol.ShouldRetry(err)).To(BeFalse())
			var rejected *protocol.CommandRejectedError
			Expect(errors.As(err, &rejected)).To(BeTrue())
			Expect(rejected.Reason).To(Equal("user_present"))
			Expect(httpmock.GetCallCountInfo()["POST "+apiBase+"/api/1/vehicles/1001/command/door_unlock"]).To(Equal(1))
		})

		It("retries a command while the vehicle's buses wake up", func() {
			calls := 0
			httpmock.RegisterResponder("POST", apiBase+"/api/1/vehicles/1001/command/charge_start",
				func(req *http.Request) (*http.Response, error) {
					calls++
					if calls < 3 {
						return httpmock.NewStringResponse(200, `{"response":{"result":false,"reason":"could_not_wake_buses"}}`), nil
					}
					return httpmock.NewStringResponse(200, `{"response":{"result":true,"reason":""}}`), nil
				})

			Expect(c.ChargeStart(context.Background(), 1001)).To(Succeed())
			Expect(calls).To(Equal(3))
		})

		It("sends payload-bearing commands with their parameters", func() {
			httpmock.RegisterResponder("POST", apiBase+"/api/1/vehicles/1001/command/set_charge_limit",
				func(req *http.Request) (*http.Response, error) {
					var body struct {
						Percent int `json:"percent"`
					}
					if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
						return httpmock.NewStringResponse(400, ""), nil
					}
					Expect(body.Percent).To(Equal(85))
					return httpmock.NewStringResponse(200, `{"response":{"result":true,"reason":""}}`), nil
				})

			Expect(c.SetChargeLimit(context.Background(), 1001, 85)).To(Succeed())
		})
	})

	Describe("wake path", func() {
		It("fails dispatch with VehicleUnavailable when the vehicle never wakes", func() {
			_, err := c.Vehicles(context.Background())
			Expect(err).NotTo(HaveOccurred())
			c.poller.Track(1001, poller.PollPolicy{})
			c.cache.SetPresence(1001, false)
			httpmock.RegisterResponder("POST", apiBase+"/api/1/vehicles/1001/wake_up",
				httpmock.NewStringResponder(200, `{"response":{"state":"offline"}}`))

			start := time.Now()
			dispatchErr := c.Lock(context.Background(), 1001)
			Expect(dispatchErr).To(MatchError(protocol.ErrVehicleUnavailable))
			// Resolved by the wake-timeout ceiling, not by hanging.
			Expect(time.Since(start)).To(BeNumerically("<", time.Minute))
		})
	})
})

var _ = Describe("API client", func() {
	var (
		ctrl   *gomock.Controller
		tokens *mocks.TokenSource
		api    *apiClient
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		tokens = mocks.NewTokenSource(ctrl)
		conn := rest.NewConnection(tokens, "", "test-agent")
		httpmock.ActivateNonDefault(conn.Client())
		api = &apiClient{conn: conn}
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
	})

	It("attaches the supplied bearer token to state fetches", func() {
		tokens.EXPECT().AccessToken(gomock.Any()).Return("mocked-token", nil)
		httpmock.RegisterResponder("GET", apiBase+"/api/1/vehicles/1001/vehicle_data",
			func(req *http.Request) (*http.Response, error) {
				Expect(req.Header.Get("Authorization")).To(Equal("Bearer mocked-token"))
				return httpmock.NewStringResponse(200, vehicleDataBody), nil
			})

		data, err := api.FetchState(context.Background(), 1001)
		Expect(err).NotTo(HaveOccurred())
		Expect(data.VIN).To(Equal("5YJ3E1EA1NF000001"))
	})

	It("invalidates a rejected token and retries with a fresh one", func() {
		gomock.InOrder(
			tokens.EXPECT().AccessToken(gomock.Any()).Return("stale", nil),
			tokens.EXPECT().Invalidate("stale"),
			tokens.EXPECT().AccessToken(gomock.Any()).Return("fresh", nil),
		)
		httpmock.RegisterResponder("POST", apiBase+"/api/1/vehicles/1001/wake_up",
			func(req *http.Request) (*http.Response, error) {
				if req.Header.Get("Authorization") == "Bearer fresh" {
					return httpmock.NewStringResponse(200, `{"response":{"state":"online"}}`), nil
				}
				return httpmock.NewStringResponse(401, ""), nil
			})

		online, err := api.Wake(context.Background(), 1001)
		Expect(err).NotTo(HaveOccurred())
		Expect(online).To(BeTrue())
	})
})
