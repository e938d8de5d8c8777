package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/datatypes"

	"procodus.dev/telemetry-broker/internal/ingest"
	"procodus.dev/telemetry-broker/internal/store"
	"procodus.dev/telemetry-broker/internal/webhook"
)

func uplink(devID, devEUI string, at time.Time, moisture float64) string {
	return fmt.Sprintf(`{
  "end_device_ids": {
    "device_id": %q,
    "application_ids": {"application_id": "e2e-farm"},
    "dev_eui": %q
  },
  "received_at": %q,
  "uplink_message": {
    "received_at": %q,
    "decoded_payload": {"battery": 3.6, "moisture": %v},
    "locations": {"user": {"latitude": -27.5, "longitude": 153.0}}
  }
}`, devID, devEUI, at.Format(time.RFC3339Nano), at.Format(time.RFC3339Nano), moisture)
}

func post(path, body string) *http.Response {
	resp, err := http.Post(httpServer.URL+path, "application/json", strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	_ = resp.Body.Close()
	return resp
}

var _ = Describe("Operator scenario", Ordered, func() {
	var (
		ctx    context.Context
		devID  string
		devEUI string
		base   time.Time

		pd       *store.PhysicalDevice
		ld       *store.LogicalDevice
		next     *store.LogicalDevice
		mappedID string
	)

	timeseriesOf := func(uid int64) func() []store.TimeseriesPoint {
		return func() []store.TimeseriesPoint {
			points, err := s.LogicalTimeseries(ctx, uid)
			Expect(err).NotTo(HaveOccurred())
			return points
		}
	}

	BeforeAll(func() {
		ctx = context.Background()
		devID = "soil-" + uuid.NewString()[:8]
		devEUI = strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
		base = time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	})

	It("should record and resolve an unmapped device without delivering", func() {
		resp := post("/ttn/webhook/up", uplink(devID, devEUI, base, 20))
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		cid := resp.Header.Get(webhook.HeaderCorrelationID)
		Expect(cid).NotTo(BeEmpty())

		Eventually(func() (*store.RawMessage, error) {
			return s.GetRawMessage(ctx, cid)
		}, 20*time.Second, 200*time.Millisecond).ShouldNot(BeNil())

		Eventually(func() ([]store.PhysicalDevice, error) {
			return s.FindPhysicalDevices(ctx, ingest.SourceTTN, map[string]any{ingest.TTNDevEUI: devEUI})
		}, 20*time.Second, 200*time.Millisecond).Should(HaveLen(1))

		found, err := s.FindPhysicalDevices(ctx, ingest.SourceTTN, map[string]any{ingest.TTNDevEUI: devEUI})
		Expect(err).NotTo(HaveOccurred())
		pd = &found[0]
		Expect(pd.Name).To(Equal(devID))
		Expect(pd.Properties).To(HaveKeyWithValue(store.PropCreationCorrelationID, cid))
		Expect(pd.LastSeen.Equal(base)).To(BeTrue())

		Expect(s.CurrentMapping(ctx, store.ByPhysical(pd.UID))).To(BeNil())
	})

	It("should deliver readings once the operator maps the device", func() {
		ld = &store.LogicalDevice{Name: "north paddock", Properties: datatypes.JSONMap{}}
		Expect(s.CreateLogicalDevice(ctx, ld)).To(Succeed())
		Expect(s.InsertMapping(ctx, &store.Mapping{PhysicalUID: pd.UID, LogicalUID: ld.UID, StartTime: base})).To(Succeed())

		at := base.Add(10 * time.Minute)
		resp := post("/ttn/webhook/up", uplink(devID, devEUI, at, 21))
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		mappedID = resp.Header.Get(webhook.HeaderCorrelationID)

		Eventually(timeseriesOf(ld.UID), 20*time.Second, 200*time.Millisecond).Should(HaveLen(2))
		points := timeseriesOf(ld.UID)()
		Expect(points).To(ConsistOf(
			And(HaveField("Name", "battery"), HaveField("Value", 3.6), HaveField("PhysicalUID", pd.UID), HaveField("CorrelationID", mappedID)),
			And(HaveField("Name", "moisture"), HaveField("Value", 21.0), HaveField("PhysicalUID", pd.UID), HaveField("CorrelationID", mappedID)),
		))
		Expect(points[0].Ts.Equal(at)).To(BeTrue())

		Eventually(func() *time.Time {
			got, err := s.GetLogicalDevice(ctx, ld.UID)
			Expect(err).NotTo(HaveOccurred())
			return got.LastSeen
		}, 10*time.Second, 200*time.Millisecond).Should(HaveValue(BeTemporally("==", at)))
	})

	It("should treat a redelivered message as already recorded", func() {
		before, err := s.CountRawMessages(ctx, ingest.SourceTTN)
		Expect(err).NotTo(HaveOccurred())

		Expect(publishRaw(ctx, ingest.SourceTTN, mappedID, []byte(uplink(devID, devEUI, base.Add(10*time.Minute), 21)))).To(Succeed())

		Consistently(func() (int64, error) {
			return s.CountRawMessages(ctx, ingest.SourceTTN)
		}, 3*time.Second, 250*time.Millisecond).Should(Equal(before))
		Expect(timeseriesOf(ld.UID)()).To(HaveLen(2))
	})

	It("should follow the device to a new logical device after a remap", func() {
		ended, err := s.EndMapping(ctx, store.ByPhysical(pd.UID))
		Expect(err).NotTo(HaveOccurred())
		Expect(ended.LogicalUID).To(Equal(ld.UID))

		next = &store.LogicalDevice{
			Name: "south paddock",
			Properties: datatypes.JSONMap{
				"calibration": map[string]any{"moisture": map[string]any{"gain": 2.0, "offset": 1.0}},
			},
		}
		Expect(s.CreateLogicalDevice(ctx, next)).To(Succeed())
		Expect(s.InsertMapping(ctx, &store.Mapping{PhysicalUID: pd.UID, LogicalUID: next.UID})).To(Succeed())

		resp := post("/ttn/webhook/up", uplink(devID, devEUI, base.Add(20*time.Minute), 30))
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		Eventually(timeseriesOf(next.UID), 20*time.Second, 200*time.Millisecond).Should(HaveLen(2))
		Expect(timeseriesOf(next.UID)()).To(ContainElement(And(HaveField("Name", "moisture"), HaveField("Value", 61.0))))
		Expect(timeseriesOf(ld.UID)()).To(HaveLen(2))
	})

	It("should drop messages once the mapping is ended", func() {
		_, err := s.EndMapping(ctx, store.ByLogical(next.UID))
		Expect(err).NotTo(HaveOccurred())

		resp := post("/ttn/webhook/up", uplink(devID, devEUI, base.Add(30*time.Minute), 40))
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		cid := resp.Header.Get(webhook.HeaderCorrelationID)

		Eventually(func() (*store.RawMessage, error) {
			return s.GetRawMessage(ctx, cid)
		}, 20*time.Second, 200*time.Millisecond).ShouldNot(BeNil())
		Consistently(timeseriesOf(next.UID), 2*time.Second, 250*time.Millisecond).Should(HaveLen(2))

		unmapped, err := s.UnmappedPhysicalDevices(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(unmapped).To(ContainElement(HaveField("UID", pd.UID)))
	})

	It("should record undecodable payloads and keep processing", func() {
		Expect(post("/ttn/webhook/up", "not json").StatusCode).To(Equal(http.StatusBadRequest))
		Expect(post("/nope/webhook/up", "{}").StatusCode).To(Equal(http.StatusNotFound))

		resp := post("/ttn/webhook/up", `{"uplink_message": {}}`)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		cid := resp.Header.Get(webhook.HeaderCorrelationID)

		Eventually(func() (*store.RawMessage, error) {
			return s.GetRawMessage(ctx, cid)
		}, 20*time.Second, 200*time.Millisecond).ShouldNot(BeNil())

		Expect(s.InsertMapping(ctx, &store.Mapping{PhysicalUID: pd.UID, LogicalUID: ld.UID})).To(Succeed())
		resp = post("/ttn/webhook/up", uplink(devID, devEUI, base.Add(40*time.Minute), 50))
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Eventually(timeseriesOf(ld.UID), 20*time.Second, 200*time.Millisecond).Should(HaveLen(4))
	})

	It("should expose pipeline metrics and health", func() {
		resp, err := http.Get(httpServer.URL + "/healthz")
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Get(httpServer.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
