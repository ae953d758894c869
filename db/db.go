// Package db defines the sink interface for brew telemetry
package db

import (
	"time"
)

// DataPoint denotes a data point with specific timings
type DataPoint struct {
	TimeStamp time.Time
	Data      map[string]interface{}
	Tags      map[string]string
}

// DataPoints denotes a list of data points
type DataPoints []DataPoint

// DB is a generic sink interface for telemetry storage
type DB interface {

	// EmitDataPoints creates data points and stores them in the underlying database
	EmitDataPoints(db, measurement string, data DataPoints) error
}
