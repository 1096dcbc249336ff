package event

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const Measurement = "system_event"

// EventToPoint normalizza CommonEvent in un *write.Point per InfluxDB.
func EventToPoint(evt CommonEvent) *write.Point {
	// Tag (solo stringhe)
	tags := map[string]string{
		"event_type":     evt.EventType,
		"source_service": evt.SourceService,
		"severity":       evt.Severity,
	}
	if evt.DispenserID != "" {
		tags["dispenser_id"] = evt.DispenserID
	}

	fields := map[string]interface{}{}
	for k, v := range evt.Fields {
		fields[k] = v
	}

	// almeno un field per punto
	if _, ok := fields["count"]; !ok {
		fields["count"] = int64(1)
	}

	return influxdb2.NewPoint(Measurement, tags, fields, evt.Timestamp)
}
