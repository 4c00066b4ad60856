// Package gps reads location fixes from an NMEA GPS device on a serial port.
// It is an optional sample source for agents that track their own position
// rather than receiving samples over the network.
package gps

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// nominalBaseErrorMeters scales HDOP into an accuracy estimate.
const nominalBaseErrorMeters = 5.0

const knotsToKmh = 1.852

// Fix is one merged GPS fix. RMC sentences contribute speed and course, GGA
// sentences contribute altitude and the HDOP-derived accuracy.
type Fix struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64
	Altitude   float64
	SpeedKmh   float64
	HasSpeed   bool
	Bearing    float64
	CapturedAt time.Time
}

// Feed streams fixes from a serial NMEA device.
type Feed struct {
	port     string
	baudRate int
	logger   zerolog.Logger
}

// NewFeed creates a feed for the device on the given port.
func NewFeed(port string, baudRate int, logger zerolog.Logger) *Feed {
	return &Feed{port: port, baudRate: baudRate, logger: logger}
}

// Stream opens the serial port and sends merged fixes to out until the
// context is cancelled or the port fails. A fix is emitted on every GGA
// sentence, carrying the speed and course of the most recent RMC.
func (f *Feed) Stream(ctx context.Context, out chan<- Fix) error {
	port, err := serial.OpenPort(&serial.Config{Name: f.port, Baud: f.baudRate})
	if err != nil {
		return err
	}
	defer port.Close()

	f.logger.Info().Str("port", f.port).Int("baud", f.baudRate).Msg("GPS feed opened")

	var lastRMC *nmea.RMC
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sentence, err := nmea.Parse(line)
		if err != nil {
			// Garbled lines are routine on serial links.
			continue
		}

		switch s := sentence.(type) {
		case nmea.RMC:
			rmc := s
			lastRMC = &rmc
		case nmea.GGA:
			fix := Fix{
				Latitude:   s.Latitude,
				Longitude:  s.Longitude,
				Accuracy:   s.HDOP * nominalBaseErrorMeters,
				Altitude:   s.Altitude,
				CapturedAt: time.Now().UTC(),
			}
			if lastRMC != nil {
				fix.SpeedKmh = lastRMC.Speed * knotsToKmh
				fix.HasSpeed = true
				fix.Bearing = lastRMC.Course
			}
			select {
			case out <- fix:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("gps feed closed: no more NMEA data")
}
