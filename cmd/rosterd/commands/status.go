package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/TrustInBlood/roster-control/internal/cli/output"
)

var (
	statusOutput  string
	statusAPIPort int
	statusHost    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long: `Display the current status of the rosterd service.

This command checks the service health by calling the health endpoints
and reports liveness and database readiness.

Examples:
  # Check status (uses default settings)
  rosterd status

  # Check status with custom API port
  rosterd status --api-port 9080

  # Output as JSON
  rosterd status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusHost, "host", "localhost", "API server host")
	statusCmd.Flags().IntVar(&statusAPIPort, "api-port", 8080, "API server port")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServiceStatus represents the service status information.
type ServiceStatus struct {
	Running   bool   `json:"running" yaml:"running"`
	Healthy   bool   `json:"healthy" yaml:"healthy"`
	Database  string `json:"database" yaml:"database"`
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
	CheckedAt string `json:"checked_at" yaml:"checked_at"`
}

// Headers implements output.TableRenderer.
func (s ServiceStatus) Headers() []string {
	return []string{"RUNNING", "HEALTHY", "DATABASE", "MESSAGE"}
}

// Rows implements output.TableRenderer.
func (s ServiceStatus) Rows() [][]string {
	return [][]string{{
		fmt.Sprintf("%t", s.Running),
		fmt.Sprintf("%t", s.Healthy),
		s.Database,
		s.Message,
	}}
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := ServiceStatus{
		Database:  "unknown",
		CheckedAt: time.Now().Format(time.RFC3339),
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := fmt.Sprintf("http://%s:%d", statusHost, statusAPIPort)

	resp, err := client.Get(base + "/health")
	if err != nil {
		status.Message = "Service is not reachable"
		return printStatus(format, status)
	}
	_ = resp.Body.Close()
	status.Running = resp.StatusCode == http.StatusOK

	ready, err := client.Get(base + "/health/ready")
	if err != nil {
		status.Message = "Readiness check failed"
		return printStatus(format, status)
	}
	defer func() { _ = ready.Body.Close() }()

	status.Healthy = ready.StatusCode == http.StatusOK
	if status.Healthy {
		status.Database = "connected"
	} else {
		status.Database = "unreachable"
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(ready.Body).Decode(&body); err == nil && body.Error != "" {
			status.Message = body.Error
		}
	}

	return printStatus(format, status)
}

func printStatus(format output.Format, status ServiceStatus) error {
	printer := output.NewPrinter(output.DefaultPrinter().Writer(), format, format == output.FormatTable)

	if err := printer.Print(status); err != nil {
		return err
	}
	if format == output.FormatTable {
		printer.Printf("\nChecked at: %s\n", output.FormatTime(status.CheckedAt))
		if status.Healthy {
			printer.Success("Service is healthy")
		} else if status.Running {
			printer.Warning("Service is running but not ready")
		} else {
			printer.Error("Service is not running")
		}
	}
	return nil
}
