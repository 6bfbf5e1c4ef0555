package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phonekit/phonekit/internal/callrecord"
	"github.com/phonekit/phonekit/internal/phone"
)

// DeviceProvider exposes the device state at scrape time.
type DeviceProvider interface {
	Snapshot() phone.DeviceSnapshot
}

// DispositionCounter returns call record counts grouped by disposition.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[callrecord.Disposition]int, error)
}

// QueueProvider exposes the command queue backlog.
type QueueProvider interface {
	QueueLen() int
}

// TransportProvider exposes the number of holders of the shared signaling
// transport.
type TransportProvider interface {
	TransportRefs() int
}

var deviceStates = []string{"uninitialized", "initializing", "offline", "registering", "ready"}

var dispositions = []callrecord.Disposition{
	callrecord.DispositionAnswered,
	callrecord.DispositionMissed,
	callrecord.DispositionRejected,
	callrecord.DispositionFailed,
	callrecord.DispositionCancelled,
}

// Collector is a prometheus.Collector that gathers PhoneKit metrics at scrape time.
type Collector struct {
	device     DeviceProvider
	records    DispositionCounter
	queue      QueueProvider
	transports TransportProvider
	startTime  time.Time

	activeCallsDesc   *prometheus.Desc
	deviceStateDesc   *prometheus.Desc
	listeningDesc     *prometheus.Desc
	callEventsDesc    *prometheus.Desc
	callRecordsDesc   *prometheus.Desc
	rosterDesc        *prometheus.Desc
	queueLengthDesc   *prometheus.Desc
	transportRefsDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	device DeviceProvider,
	records DispositionCounter,
	queue QueueProvider,
	transports TransportProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		device:     device,
		records:    records,
		queue:      queue,
		transports: transports,
		startTime:  startTime,

		activeCallsDesc: prometheus.NewDesc(
			"phonekit_active_calls",
			"Number of connections not yet closed",
			nil, nil,
		),
		deviceStateDesc: prometheus.NewDesc(
			"phonekit_device_state",
			"Device registration state (1 for the current state)",
			[]string{"state"}, nil,
		),
		listeningDesc: prometheus.NewDesc(
			"phonekit_listening",
			"Whether the device wants incoming calls (1=yes)",
			nil, nil,
		),
		callEventsDesc: prometheus.NewDesc(
			"phonekit_call_events_total",
			"Call lifecycle events since start",
			[]string{"event"}, nil,
		),
		callRecordsDesc: prometheus.NewDesc(
			"phonekit_call_records",
			"Stored call history entries by disposition",
			[]string{"disposition"}, nil,
		),
		rosterDesc: prometheus.NewDesc(
			"phonekit_roster_available",
			"Clients on the presence roster that are available",
			nil, nil,
		),
		queueLengthDesc: prometheus.NewDesc(
			"phonekit_command_queue_length",
			"Commands waiting for the session worker",
			nil, nil,
		),
		transportRefsDesc: prometheus.NewDesc(
			"phonekit_transport_refs",
			"Holders of the shared signaling transport",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"phonekit_uptime_seconds",
			"Seconds since the PhoneKit process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.deviceStateDesc
	ch <- c.listeningDesc
	ch <- c.callEventsDesc
	ch <- c.callRecordsDesc
	ch <- c.rosterDesc
	ch <- c.queueLengthDesc
	ch <- c.transportRefsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.device != nil {
		snap := c.device.Snapshot()
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(len(snap.Connections)),
		)
		for _, state := range deviceStates {
			ch <- prometheus.MustNewConstMetric(
				c.deviceStateDesc, prometheus.GaugeValue,
				boolValue(snap.State == state), state,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.listeningDesc, prometheus.GaugeValue,
			boolValue(snap.Listening),
		)

		events := map[string]uint64{
			"started":   snap.Stats.Started,
			"connected": snap.Stats.Connected,
			"failed":    snap.Stats.Failed,
			"missed":    snap.Stats.Missed,
			"incoming":  snap.Stats.Incoming,
		}
		for event, n := range events {
			ch <- prometheus.MustNewConstMetric(
				c.callEventsDesc, prometheus.CounterValue,
				float64(n), event,
			)
		}

		available := 0
		for _, e := range snap.Roster {
			if e.Available {
				available++
			}
		}
		ch <- prometheus.MustNewConstMetric(
			c.rosterDesc, prometheus.GaugeValue,
			float64(available),
		)
	}

	// Call history by disposition.
	if c.records != nil {
		counts, err := c.records.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call records", "error", err)
		} else {
			for _, d := range dispositions {
				ch <- prometheus.MustNewConstMetric(
					c.callRecordsDesc, prometheus.GaugeValue,
					float64(counts[d]), string(d),
				)
			}
		}
	}

	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(
			c.queueLengthDesc, prometheus.GaugeValue,
			float64(c.queue.QueueLen()),
		)
	}

	if c.transports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.transportRefsDesc, prometheus.GaugeValue,
			float64(c.transports.TransportRefs()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
