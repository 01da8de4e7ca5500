package resource

// Default Azure Monitor metrics requested for web apps
var DefaultWebAppGroups = []MetricGroup{
	{
		Interval: "PT5M",
		Timespan: "PT1H",
		Names: []string{
			"CpuTime", "Requests", "BytesReceived", "BytesSent",
			"Http2xx", "Http3xx", "Http4xx", "Http5xx",
			"MemoryWorkingSet", "AverageMemoryWorkingSet",
			"AverageResponseTime", "HttpResponseTime",
			"IoReadBytesPerSecond", "IoWriteBytesPerSecond",
			"IoReadOperationsPerSecond", "IoWriteOperationsPerSecond",
			"HealthCheckStatus",
		},
	},
	{
		// FileSystemUsage is only emitted every 6 hours
		Interval: "PT6H",
		Timespan: "PT24H",
		Names:    []string{"FileSystemUsage"},
	},
}

// Default Azure Monitor metrics requested for App Service plans
var DefaultPlanGroups = []MetricGroup{
	{
		Interval: "PT5M",
		Timespan: "PT1H",
		Names: []string{
			"CpuPercentage", "MemoryPercentage", "DiskQueueLength", "HttpQueueLength",
			"BytesReceived", "BytesSent", "TcpSynSent", "TcpSynReceived",
			"TcpEstablished", "TcpFinWait1", "TcpFinWait2", "TcpClosing",
			"TcpCloseWait", "TcpLastAck", "TcpTimeWait", "SocketInboundAll",
			"SocketOutboundAll", "SocketOutboundEstablished", "SocketOutboundTimeWait", "SocketLoopback",
		},
	},
}

// DefaultGroups returns a copy of the default metric groups for the kind
func DefaultGroups(kind Kind) []MetricGroup {
	src := DefaultWebAppGroups
	if kind == KindPlan {
		src = DefaultPlanGroups
	}
	out := make([]MetricGroup, len(src))
	for i, g := range src {
		out[i] = MetricGroup{
			Interval: g.Interval,
			Timespan: g.Timespan,
			Names:    append([]string(nil), g.Names...),
		}
	}
	return out
}
