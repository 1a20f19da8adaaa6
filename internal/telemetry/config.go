package telemetry

// Config holds OTLP metrics exporter settings.
type Config struct {
	Endpoint string
	Enabled  bool
	Insecure bool
}
