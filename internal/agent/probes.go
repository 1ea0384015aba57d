package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DependencyProbe declares one external service the detector checks for
// reachability. Probes are configured in a YAML file so operators can add
// integrations without a rebuild.
type DependencyProbe struct {
	Name       string `yaml:"name"`        // human-readable service name
	URL        string `yaml:"url"`         // endpoint to GET
	AuthHeader string `yaml:"auth_header"` // optional header name for the token
	TokenEnv   string `yaml:"token_env"`   // env var holding the token; probe is skipped when set but empty
}

type probesFile struct {
	Probes []DependencyProbe `yaml:"probes"`
}

// DefaultProbes covers the three external providers the platform depends on:
// voice calling, SMS, and payments.
func DefaultProbes() []DependencyProbe {
	return []DependencyProbe{
		{Name: "Bland AI", URL: "https://api.bland.ai/v1/health", AuthHeader: "Authorization", TokenEnv: "BLAND_AI_API_KEY"},
		{Name: "Twilio", URL: "https://status.twilio.com/api/v2/status.json"},
		{Name: "Stripe", URL: "https://status.stripe.com/current"},
	}
}

// LoadProbes reads probe declarations from a YAML file. A missing file is
// not an error: the built-in defaults are used instead.
func LoadProbes(path string) ([]DependencyProbe, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultProbes(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read probes file: %w", err)
	}

	var file probesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse probes file %s: %w", path, err)
	}
	return file.Probes, nil
}

// probe checks one external dependency. It returns (statusCode, nil) on any
// HTTP response and an error only when the service is unreachable.
func (p *DependencyProbe) probe(ctx context.Context, client *http.Client) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, err
	}
	if p.AuthHeader != "" && p.TokenEnv != "" {
		req.Header.Set(p.AuthHeader, os.Getenv(p.TokenEnv))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// skip reports whether the probe should be skipped because its credential
// is not configured
func (p *DependencyProbe) skip() bool {
	return p.TokenEnv != "" && os.Getenv(p.TokenEnv) == ""
}

// probeTimeout bounds one dependency probe
const probeTimeout = 10 * time.Second
