package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/stepbus/stepbus/internal/config"
	"github.com/stepbus/stepbus/pkg/core"
)

// PerformanceBucket receives the periodic status points.
const PerformanceBucket = "stepbus_performance"

// Measurement names.
const (
	MeasurementStep   = "driving_step"
	MeasurementStatus = "status"
)

// Manager handles InfluxDB connections and writes.
type Manager struct {
	Client       influxdb2.Client
	Writers      map[string]influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	BucketNames  []string
	Logger       zerolog.Logger
	BackupPath   string

	cfg        config.InfluxConfig
	backupFile io.Closer
}

// NewManager creates a new InfluxDB manager.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger, backupPath string) *Manager {
	return &Manager{
		Writers:     make(map[string]influxdb2_api.WriteAPI),
		IsValid:     false,
		BucketNames: []string{cfg.Bucket, PerformanceBucket},
		Logger:      log,
		BackupPath:  backupPath,
		cfg:         cfg,
	}
}

// Connect establishes a connection to InfluxDB. When the server is not
// reachable, points go to a gzip line-protocol backup file instead.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return errors.New("influx.enabled is false")
	}

	m.Client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.Client.Ping(ctx)

	if err != nil || !running {
		m.IsValid = false
		if m.BackupWriter == nil {
			m.Logger.Info().Str("backupPath", m.BackupPath).
				Msg("Failed to initialize InfluxDB client, writing to backup file")

			file, err := os.OpenFile(m.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("error creating backup file: %v", err)
			}
			m.backupFile = file
			m.BackupWriter = gzip.NewWriter(file)
		}
	} else {
		m.IsValid = true
	}

	if m.IsValid {
		err = m.setupOrganizationAndBuckets(ctx)
		if err != nil {
			return err
		}
		m.CreateWriters()
		m.Logger.Info().Msg("InfluxDB client initialized")
	} else {
		m.Logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
	}

	return nil
}

func (m *Manager) setupOrganizationAndBuckets(ctx context.Context) error {
	orgName := m.cfg.Org

	// ensure org exists
	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		influxOrg, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	// ensure buckets exist with 30 day retention
	for _, bucket := range m.BucketNames {
		_, err = m.Client.BucketsAPI().FindBucketByName(ctx, bucket)
		if err != nil {
			m.Logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")

			rule := domain.RetentionRuleTypeExpire
			_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, bucket, domain.RetentionRule{
				Type:         &rule,
				EverySeconds: 60 * 60 * 24 * 30,
			})
			if err != nil {
				m.Logger.Error().Err(err).Str("bucket", bucket).Msg("Error creating bucket")
				return err
			}
		}
	}

	return nil
}

// CreateWriters creates write APIs for all configured buckets.
func (m *Manager) CreateWriters() {
	for _, bucket := range m.BucketNames {
		m.Writers[bucket] = m.Client.WriteAPI(m.cfg.Org, bucket)

		errorsCh := m.Writers[bucket].Errors()
		go func(bucketName string, errorsCh <-chan error) {
			for writeErr := range errorsCh {
				m.Logger.Error().Err(writeErr).Str("bucket", bucketName).
					Msg("Error sending data to InfluxDB")
			}
		}(bucket, errorsCh)
	}

	m.Logger.Debug().Msg("InfluxDB writers initialized")
}

// WritePoint writes a point to InfluxDB or backup file.
func (m *Manager) WritePoint(_ context.Context, bucket string, point *influxdb2_write.Point) error {
	if m.IsValid {
		if _, ok := m.Writers[bucket]; !ok {
			return fmt.Errorf("influxDB bucket '%s' not registered", bucket)
		}
		m.Writers[bucket].WritePoint(point)
		return nil
	}

	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(lineProtocol)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// WriteStep writes one point for a reconstructed step.
func (m *Manager) WriteStep(ctx context.Context, rs core.ReconstructedStep, ts time.Time) error {
	return m.WritePoint(ctx, m.cfg.Bucket, StepPoint(rs, ts))
}

// Close flushes pending writes and releases the client and backup file.
func (m *Manager) Close() error {
	for _, w := range m.Writers {
		w.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}
	var errs []error
	if m.BackupWriter != nil {
		errs = append(errs, m.BackupWriter.Close())
	}
	if m.backupFile != nil {
		errs = append(errs, m.backupFile.Close())
	}
	return errors.Join(errs...)
}

// StepPoint converts a reconstructed step into a point tagged with its
// name and byte order.
func StepPoint(rs core.ReconstructedStep, ts time.Time) *influxdb2_write.Point {
	s := rs.Step
	point := influxdb2_write.NewPointWithMeasurement(MeasurementStep).
		AddTag("endian", rs.ByteOrder.String()).
		AddTag("step", s.StepName).
		SetTime(ts)

	point.AddField("order_key", rs.OrderKey)
	point.AddField("duration_ms", s.DurationMs)

	point.AddField("rpm", int64(s.Engine.RPM))
	point.AddField("coolant_temp", int64(s.Engine.CoolantTemp))
	point.AddField("throttle_pos", int64(s.Engine.ThrottlePos))
	point.AddField("engine_load", int64(s.Engine.EngineLoad))
	point.AddField("intake_temp", int64(s.Engine.IntakeTemp))
	point.AddField("fuel_pressure", int64(s.Engine.FuelPressure))
	point.AddField("engine_running", s.Engine.EngineRunning)

	point.AddField("vehicle_speed", float64(s.Speed.VehicleSpeed))
	point.AddField("gear_position", int64(s.Speed.GearPosition))
	for i, name := range []string{"wheel_fl", "wheel_fr", "wheel_rl", "wheel_rr"} {
		point.AddField(name, float64(s.Speed.WheelSpeeds[i]))
	}
	point.AddField("abs_active", s.Speed.ABSActive)
	point.AddField("traction_control", s.Speed.TractionControl)
	point.AddField("cruise_control", s.Speed.CruiseControl)

	point.AddField("cabin_temp", int64(s.Climate.CabinTemp))
	point.AddField("target_temp", int64(s.Climate.TargetTemp))
	point.AddField("outside_temp", int64(s.Climate.OutsideTemp))
	point.AddField("fan_speed", int64(s.Climate.FanSpeed))
	point.AddField("ac_compressor", s.Climate.ACCompressor)
	point.AddField("heater", s.Climate.Heater)
	point.AddField("defrost", s.Climate.Defrost)
	point.AddField("auto_mode", s.Climate.AutoMode)
	point.AddField("air_recirculation", s.Climate.AirRecirculation)

	return point
}

// StatusPoint builds a point from named integer gauges.
func StatusPoint(fields map[string]int64, ts time.Time) *influxdb2_write.Point {
	point := influxdb2_write.NewPointWithMeasurement(MeasurementStatus).SetTime(ts)
	for k, v := range fields {
		point.AddField(k, v)
	}
	return point
}
