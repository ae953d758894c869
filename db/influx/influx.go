// Package influx stores brew telemetry in an InfluxDB instance
package influx

import (
	"fmt"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/xbloom-community/xbloom/db"
)

// DB is an InfluxDB interface, providing functionality to interact with the database
type DB struct {
	config *client.HTTPConfig
}

// New creates a new InfluxDB instance
func New(addr, username, password string) *DB {
	return &DB{
		config: &client.HTTPConfig{
			Addr:     addr,
			Username: username,
			Password: password,
		},
	}
}

// EmitDataPoints creates data points and stores them in the underlying Influx database
func (d *DB) EmitDataPoints(dbName, measurement string, data db.DataPoints) error {

	c, err := client.NewHTTPClient(*d.config)
	if err != nil {
		return fmt.Errorf("error creating InfluxDB client for measurement %s on DB %s: %w", measurement, dbName, err)
	}
	defer c.Close()

	bp, _ := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  dbName,
		Precision: "ms",
	})

	for _, v := range data {
		pt, err := client.NewPoint(measurement, v.Tags, v.Data, v.TimeStamp)
		if err != nil {
			return fmt.Errorf("error creating InfluxDB point for measurement %s on DB %s: %w", measurement, dbName, err)
		}
		bp.AddPoint(pt)
	}

	if err = c.Write(bp); err != nil {
		return fmt.Errorf("error writing InfluxDB batch for measurement %s on DB %s: %w", measurement, dbName, err)
	}

	return nil
}
