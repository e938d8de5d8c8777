package generator_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/telemetry-broker/pkg/generator"
)

var _ = Describe("Datalogger", func() {
	It("should have a fake identity", func() {
		d := generator.NewDatalogger()
		Expect(d).NotTo(BeNil())
		Expect(d.Serial).To(MatchRegexp(`^DL[0-9]{6}$`))
		Expect(d.Name).NotTo(BeEmpty())
		Expect(d.Name).NotTo(ContainSubstring(" "))
		Expect(d.Latitude).To(BeNumerically(">=", -90))
		Expect(d.Latitude).To(BeNumerically("<=", 90))
	})

	It("should produce frames with every reading in range", func() {
		d := generator.NewDatalogger()
		t := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

		for i := 0; i < 50; i++ {
			f := d.Frame(t.Add(time.Duration(i) * time.Hour))
			Expect(f.Serial).To(Equal(d.Serial))
			Expect(f.Readings).To(HaveKey(generator.ReadingTemperature))
			Expect(f.Readings[generator.ReadingHumidity]).To(BeNumerically(">=", 20))
			Expect(f.Readings[generator.ReadingHumidity]).To(BeNumerically("<=", 95))
			Expect(f.Readings[generator.ReadingPressure]).To(BeNumerically(">=", 975))
			Expect(f.Readings[generator.ReadingPressure]).To(BeNumerically("<=", 1045))
			Expect(f.Readings[generator.ReadingBattery]).To(BeNumerically(">=", 5))
			Expect(f.Readings[generator.ReadingBattery]).To(BeNumerically("<=", 100))
		}
	})

	It("should encode frames as JSON", func() {
		d := generator.NewDatalogger()
		t := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

		body, err := d.Frame(t).Encode()
		Expect(err).NotTo(HaveOccurred())

		var decoded generator.Frame
		Expect(json.Unmarshal(body, &decoded)).To(Succeed())
		Expect(decoded.Timestamp).To(Equal(t))
		Expect(*decoded.Latitude).To(Equal(d.Latitude))
		Expect(decoded.Readings).To(HaveLen(4))
	})
})

var _ = Describe("ReadingGenerator", func() {
	It("should keep temperature near its baseline", func() {
		g := generator.NewReadingGenerator()
		t := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
		for h := 0; h < 24; h++ {
			temp := g.Temperature(t.Add(time.Duration(h) * time.Hour))
			Expect(temp).To(BeNumerically(">", 0))
			Expect(temp).To(BeNumerically("<", 50))
		}
	})
})
