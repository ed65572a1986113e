// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HostctrlPacketsRouted counts data packets forwarded by the host controller
	HostctrlPacketsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osd_hostctrl_packets_routed_total",
			Help: "Total number of data packets routed by the host controller",
		},
		[]string{"route"}, // "local" or "gateway"
	)

	// HostctrlPacketsDropped counts data packets the host controller could not route
	HostctrlPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osd_hostctrl_packets_dropped_total",
			Help: "Total number of data packets dropped by the host controller",
		},
		[]string{"reason"},
	)

	// HostctrlManagementRequests counts management requests by operation and outcome
	HostctrlManagementRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osd_hostctrl_management_requests_total",
			Help: "Total number of management requests handled by the host controller",
		},
		[]string{"op", "result"},
	)

	// HostctrlAddressesAllocated tracks the number of allocated local addresses
	HostctrlAddressesAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "osd_hostctrl_addresses_allocated",
			Help: "Number of local addresses currently allocated",
		},
	)

	// HostctrlGatewaysRegistered tracks the number of registered gateways
	HostctrlGatewaysRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "osd_hostctrl_gateways_registered",
			Help: "Number of gateways currently registered",
		},
	)

	// GatewayPackets counts packets forwarded by gateways per direction
	GatewayPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osd_gateway_packets_total",
			Help: "Total number of packets forwarded by gateways",
		},
		[]string{"subnet", "direction"}, // "to_hostctrl" or "to_device"
	)

	// GatewayDeviceErrors counts device link errors per kind
	GatewayDeviceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osd_gateway_device_errors_total",
			Help: "Total number of device link errors seen by gateways",
		},
		[]string{"subnet", "op", "kind"}, // op: read|write, kind: transient|disconnect
	)

	// GatewayConnected tracks the connection state of gateways (0/1)
	GatewayConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "osd_gateway_connected",
			Help: "Connection state of gateways (1=connected)",
		},
		[]string{"subnet"},
	)

	// HostmodEventsDelivered counts reassembled events delivered by host modules
	HostmodEventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "osd_hostmod_events_delivered_total",
			Help: "Total number of (reassembled) events delivered to consumers",
		},
	)

	// HostmodRegisterAccesses counts register accesses by direction and outcome
	HostmodRegisterAccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osd_hostmod_register_accesses_total",
			Help: "Total number of register accesses issued by host modules",
		},
		[]string{"op", "result"},
	)

	// TapRecordsDropped counts mirrored packets dropped by a full tap queue
	TapRecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osd_tap_records_dropped_total",
			Help: "Total number of traffic tap records dropped",
		},
		[]string{"sink"},
	)
)
