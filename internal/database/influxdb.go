package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"netsteer/internal/apply"
	"netsteer/internal/bench"
	"netsteer/internal/config"
	"netsteer/internal/host"
	"netsteer/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"
)

// RunRecord contains all metadata about one steering and benchmark run.
type RunRecord struct {
	RunID             int     `json:"run_id"`
	Interface         string  `json:"interface"`
	Driver            string  `json:"driver"`
	Cores             string  `json:"cores"`
	Queues            int     `json:"queues"`
	PinPolicy         string  `json:"pin_policy"`
	Connections       int     `json:"connections"`
	BasePort          int     `json:"base_port"`
	DirectivesApplied int     `json:"directives_applied"`
	DirectivesFailed  int     `json:"directives_failed"`
	ServerHost        string  `json:"server_host"`
	ClientStatus      int     `json:"client_status"`
	ClientOutput      string  `json:"client_output"`
	RunStarted        string  `json:"run_started"`  // RFC3339 timestamp
	RunFinished       string  `json:"run_finished"` // RFC3339 timestamp
	DurationSeconds   float64 `json:"duration_seconds"`
	Hostname          string  `json:"hostname"`
	OSInfo            string  `json:"os_info"`
	KernelVersion     string  `json:"kernel_version"`
	CPUModel          string  `json:"cpu_model"`
	TotalCPUs         int     `json:"total_cpus"`
	Version           string  `json:"version"`
	ProfileFile       string  `json:"profile_file"`
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// NewInfluxDBClient connects using the INFLUXDB_* environment variables
// and verifies the server is healthy before returning.
func NewInfluxDBClient() (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	hostURL := os.Getenv("INFLUXDB_HOST")
	token := os.Getenv("INFLUXDB_TOKEN")
	org := os.Getenv("INFLUXDB_ORG")
	bucket := os.Getenv("INFLUXDB_BUCKET")
	if hostURL == "" || token == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("missing required environment variables for InfluxDB connection")
	}

	client := influxdb2.NewClient(hostURL, token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", hostURL).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}

	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":   hostURL,
			"status": health.Status,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb health check returned status %q", health.Status)
	}

	writeAPI := client.WriteAPIBlocking(org, bucket)
	queryAPI := client.QueryAPI(org)

	logger.WithFields(logrus.Fields{
		"host":   hostURL,
		"bucket": bucket,
		"org":    org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: queryAPI,
		bucket:   bucket,
		org:      org,
	}, nil
}

// LastRunID returns the highest run ID recorded in the last 30 days,
// or 0 when the bucket holds no runs yet.
func (idb *InfluxDBClient) LastRunID() (int, error) {
	ctx := context.Background()

	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -30d)
		|> filter(fn: (r) => r._measurement == "steering_runs")
		|> distinct(column: "run_id")
		|> map(fn: (r) => ({_value: int(v: r.run_id)}))
		|> max()
		|> yield(name: "max_run_id")
	`, idb.bucket)

	result, err := idb.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query last run ID: %w", err)
	}
	defer result.Close()

	maxID := 0
	for result.Next() {
		if result.Record().Value() != nil {
			if id, ok := result.Record().Value().(int64); ok {
				maxID = int(id)
			}
		}
	}

	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query results: %w", result.Err())
	}

	return maxID, nil
}

// WriteRunRecord stores one run as a single point in the steering_runs
// measurement.
func (idb *InfluxDBClient) WriteRunRecord(record *RunRecord) error {
	ctx := context.Background()

	point := influxdb2.NewPoint("steering_runs",
		map[string]string{
			"run_id":    fmt.Sprintf("%d", record.RunID),
			"interface": record.Interface,
			"driver":    record.Driver,
		},
		map[string]interface{}{
			"cores":              record.Cores,
			"queues":             record.Queues,
			"pin_policy":         record.PinPolicy,
			"connections":        record.Connections,
			"base_port":          record.BasePort,
			"directives_applied": record.DirectivesApplied,
			"directives_failed":  record.DirectivesFailed,
			"server_host":        record.ServerHost,
			"client_status":      record.ClientStatus,
			"client_output":      record.ClientOutput,
			"run_started":        record.RunStarted,
			"run_finished":       record.RunFinished,
			"duration_seconds":   record.DurationSeconds,
			"hostname":           record.Hostname,
			"os_info":            record.OSInfo,
			"kernel_version":     record.KernelVersion,
			"cpu_model":          record.CPUModel,
			"total_cpus":         record.TotalCPUs,
			"version":            record.Version,
			"profile_file":       record.ProfileFile,
		},
		time.Now())

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}

	return nil
}

// CollectRunRecord assembles the record for a finished run. The apply
// report may be nil when the run only benchmarked without steering.
func CollectRunRecord(runID int, profile *config.Profile, profileContent string, result *bench.Result, report *apply.Report, driver, version string) (*RunRecord, error) {
	hc, err := host.GetHostConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to collect host info: %w", err)
	}

	record := &RunRecord{
		RunID:         runID,
		Driver:        driver,
		Hostname:      hc.Hostname,
		OSInfo:        hc.OSInfo,
		KernelVersion: hc.KernelVersion,
		CPUModel:      hc.CPUModel,
		TotalCPUs:     hc.TotalCPUs,
		Version:       version,
		ProfileFile:   profileContent,
	}

	if profile != nil {
		record.Interface = profile.Interface
		record.Cores = profile.CoreSet.Ranges()
		if profile.Pin != nil {
			record.Queues = profile.Pin.Queues
			record.PinPolicy = profile.Pin.PinPolicy.String()
		}
		if profile.Flow != nil {
			record.Connections = profile.Flow.Connections
			record.BasePort = profile.Flow.BasePort
		}
	}

	if report != nil {
		record.DirectivesApplied = report.Applied
		record.DirectivesFailed = report.Failed()
	}

	if result != nil {
		record.ServerHost = result.Host
		record.ClientStatus = result.ClientStatus
		record.ClientOutput = result.Output
		record.RunStarted = result.Started.Format(time.RFC3339)
		record.RunFinished = result.Started.Add(result.Duration).Format(time.RFC3339)
		record.DurationSeconds = result.Duration.Seconds()
	}

	return record, nil
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
