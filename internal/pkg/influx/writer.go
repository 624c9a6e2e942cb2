// Package influx stores readings as points in an InfluxDB bucket.
package influx

import (
	"context"
	"fmt"
	"math"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/anicoll/espeasy-integration/internal/pkg/config"
	"github.com/anicoll/espeasy-integration/internal/pkg/model"
)

const measurement = "espeasy_reading"

// Writer writes readings to InfluxDB.
type Writer struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
}

// NewWriter creates an InfluxDB write API client. Caller should call Close() when done.
func NewWriter(cfg *config.InfluxConfig) *Writer {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Writer{client: client, api: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}
}

func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// Health checks that InfluxDB is reachable and the token is valid.
func (w *Writer) Health(ctx context.Context) error {
	_, err := w.client.Health(ctx)
	return err
}

// Write saves the readings in one request. Numeric readings are stored in
// the value field, anything else in the text field.
func (w *Writer) Write(ctx context.Context, data []model.Property) error {
	points := make([]*write.Point, 0, len(data))
	for _, d := range data {
		points = append(points, point(d))
	}
	if len(points) == 0 {
		return nil
	}
	if err := w.api.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// RegisterDevice is a no-op, points carry their identifier as a tag.
func (w *Writer) RegisterDevice(*model.Device) error {
	return nil
}

func point(d model.Property) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("identifier", d.Identifier).
		AddTag("slug", d.Slug).
		SetTime(d.TimeStamp)
	if d.Unit != "" {
		p.AddTag("unit", d.Unit)
	}
	if v, err := strconv.ParseFloat(d.Value, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return p.AddField("value", v)
	}
	return p.AddField("text", d.Value)
}
