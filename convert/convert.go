// Package convert defines the boundary between the ingest core and the
// format-specific converters that turn a staged dataset into the indexed
// volume format. The core only knows this interface; conversion algorithms
// live behind it.
package convert

import (
	"context"
	"fmt"
	"sync"
)

// Sensor tags the source format of a dataset. The set is closed: anything
// unrecognized must be rejected at job creation, not discovered mid-convert.
type Sensor string

const (
	SensorIDX     Sensor = "IDX"
	SensorTIFF    Sensor = "TIFF"
	SensorTIFFRGB Sensor = "TIFF_RGB"
	SensorNetCDF  Sensor = "NETCDF"
	SensorHDF5    Sensor = "HDF5"
	Sensor4DNexus Sensor = "4D_NEXUS"
	SensorRGB     Sensor = "RGB"
	SensorMAPIR   Sensor = "MAPIR"
	SensorOther   Sensor = "OTHER"
)

var sensors = map[Sensor]bool{
	SensorIDX:     true,
	SensorTIFF:    true,
	SensorTIFFRGB: true,
	SensorNetCDF:  true,
	SensorHDF5:    true,
	Sensor4DNexus: true,
	SensorRGB:     true,
	SensorMAPIR:   true,
	SensorOther:   true,
}

// ParseSensor validates a sensor tag. The empty string maps to OTHER.
func ParseSensor(s string) (Sensor, error) {
	if s == "" {
		return SensorOther, nil
	}
	sensor := Sensor(s)
	if !sensors[sensor] {
		return "", fmt.Errorf("unknown sensor %q", s)
	}
	return sensor, nil
}

// Converter turns a fully-committed staging directory into the destination
// format. It is invoked only once every chunk of the upload is committed.
type Converter interface {
	Convert(ctx context.Context, dir string) error
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(ctx context.Context, dir string) error

func (f ConverterFunc) Convert(ctx context.Context, dir string) error {
	return f(ctx, dir)
}

// Dispatcher maps sensor tags to converters. Registration happens at
// startup; dispatch is safe for concurrent jobs.
type Dispatcher struct {
	mu         sync.RWMutex
	converters map[Sensor]Converter
	fallback   Converter
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{converters: make(map[Sensor]Converter)}
}

// Register binds a converter to a sensor tag, replacing any previous one.
func (d *Dispatcher) Register(s Sensor, c Converter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.converters[s] = c
}

// SetFallback sets the converter used for sensors with no registration.
func (d *Dispatcher) SetFallback(c Converter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = c
}

// Dispatch runs the converter registered for the sensor against the job's
// staging directory.
func (d *Dispatcher) Dispatch(ctx context.Context, s Sensor, dir string) error {
	d.mu.RLock()
	c, ok := d.converters[s]
	if !ok {
		c = d.fallback
	}
	d.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("no converter registered for sensor %q", s)
	}
	if err := c.Convert(ctx, dir); err != nil {
		return fmt.Errorf("convert %s dataset: %w", s, err)
	}
	return nil
}
