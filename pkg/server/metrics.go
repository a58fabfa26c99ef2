package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks server runtime statistics, registered on the server's
// own Prometheus registry so multiple instances can coexist in tests.
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	ActiveSessions   prometheus.Gauge
	CommandsTotal    *prometheus.CounterVec

	TextMessages  prometheus.Counter
	GroupMessages prometheus.Counter

	VoiceNotesRelayed prometheus.Counter
	VoiceNoteBytes    prometheus.Counter

	CallsStarted prometheus.Counter
	CallsEnded   prometheus.Counter
	ActiveCalls  prometheus.Gauge

	MediaPacketsIn      prometheus.Counter
	MediaPacketsOut     prometheus.Counter
	MediaPacketsDropped prometheus.Counter
	MediaBytesIn        prometheus.Counter
	MediaBytesOut       prometheus.Counter

	Subscribers   prometheus.Gauge
	EventsDropped prometheus.Counter
}

// NewMetrics creates all collectors on the given registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Lifetime control connections accepted.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Currently registered sessions.",
		}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_commands_total",
			Help: "Commands processed, by verb.",
		}, []string{"verb"}),
		TextMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_text_messages_total",
			Help: "Direct text messages delivered.",
		}),
		GroupMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_group_messages_total",
			Help: "Group text message deliveries (one per recipient).",
		}),
		VoiceNotesRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_voice_notes_total",
			Help: "Voice notes relayed.",
		}),
		VoiceNoteBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_voice_note_bytes_total",
			Help: "Voice note payload bytes relayed.",
		}),
		CallsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_calls_started_total",
			Help: "Calls successfully created.",
		}),
		CallsEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_calls_ended_total",
			Help: "Calls terminated.",
		}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_calls_active",
			Help: "Currently active calls.",
		}),
		MediaPacketsIn: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_media_packets_in_total",
			Help: "UDP datagrams received by the media relay.",
		}),
		MediaPacketsOut: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_media_packets_out_total",
			Help: "UDP datagrams forwarded by the media relay.",
		}),
		MediaPacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_media_packets_dropped_total",
			Help: "UDP datagrams dropped (queue full, bad prefix, send error).",
		}),
		MediaBytesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_media_bytes_in_total",
			Help: "UDP payload bytes received.",
		}),
		MediaBytesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_media_bytes_out_total",
			Help: "UDP payload bytes forwarded.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_subscribers_active",
			Help: "Currently connected notification subscribers.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_events_dropped_total",
			Help: "Notification events dropped on slow or dead subscribers.",
		}),
	}
}
