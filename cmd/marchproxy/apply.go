package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/penguintechinc/marchproxy/pkg/client"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply MarchProxy resources from a YAML file. A file may hold
multiple documents separated by ---.

Examples:
  # Apply a service definition
  marchproxy apply -f service.yaml

  # Apply a cluster plus its services and mappings
  marchproxy apply -f cluster-config.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("manager", "http://localhost:8080", "Control plane base URL")
	applyCmd.Flags().String("admin-token", "", "Admin token (or ADMIN_BOOTSTRAP_PASSWORD)")
	_ = applyCmd.MarkFlagRequired("file")
}

// resource is a generic YAML document.
type resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   resourceMetadata `yaml:"metadata"`
	Spec       yaml.Node        `yaml:"spec"`
}

type resourceMetadata struct {
	Name    string `yaml:"name"`
	Cluster string `yaml:"cluster"` // owning cluster name, where applicable
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	manager, _ := cmd.Flags().GetString("manager")
	adminToken, _ := cmd.Flags().GetString("admin-token")
	if adminToken == "" {
		adminToken = os.Getenv("ADMIN_BOOTSTRAP_PASSWORD")
	}
	if adminToken == "" {
		return fmt.Errorf("admin token required (--admin-token or ADMIN_BOOTSTRAP_PASSWORD)")
	}

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	admin := client.NewAdminClient(manager, adminToken)
	ctx := context.Background()

	dec := yaml.NewDecoder(f)
	for {
		var res resource
		if err := dec.Decode(&res); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		if res.Metadata.Name == "" {
			return fmt.Errorf("resource of kind %s is missing metadata.name", res.Kind)
		}

		switch res.Kind {
		case "Cluster":
			err = applyCluster(ctx, admin, &res)
		case "Service":
			err = applyService(ctx, admin, &res)
		case "Mapping":
			err = applyMapping(ctx, admin, &res)
		case "Certificate":
			err = applyCertificate(ctx, admin, &res)
		default:
			err = fmt.Errorf("unsupported resource kind: %s", res.Kind)
		}
		if err != nil {
			return err
		}
	}
}

type clusterSpec struct {
	MaxProxies int                  `yaml:"max_proxies"`
	Logging    *types.LoggingConfig `yaml:"logging"`
	IsDefault  bool                 `yaml:"is_default"`
}

func applyCluster(ctx context.Context, admin *client.AdminClient, res *resource) error {
	var spec clusterSpec
	if err := res.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("cluster '%s': %v", res.Metadata.Name, err)
	}

	req := &client.CreateClusterRequest{
		Name:       res.Metadata.Name,
		MaxProxies: spec.MaxProxies,
		Logging:    spec.Logging,
		IsDefault:  spec.IsDefault,
	}

	existing, err := admin.FindCluster(ctx, res.Metadata.Name)
	if err == nil {
		if _, err := admin.UpdateCluster(ctx, existing.ID, req); err != nil {
			return fmt.Errorf("failed to update cluster: %v", err)
		}
		fmt.Printf("✓ Cluster updated: %s\n", res.Metadata.Name)
		return nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return err
	}

	created, err := admin.CreateCluster(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %v", err)
	}
	fmt.Printf("✓ Cluster created: %s (API key: %s)\n", created.Name, created.APIKey)
	return nil
}

type serviceSpec struct {
	Host        string                   `yaml:"host"`
	Port        int                      `yaml:"port"`
	Transport   string                   `yaml:"transport"`
	AuthType    string                   `yaml:"auth_type"`
	TokenValue  string                   `yaml:"token_value"`
	SignedToken *types.SignedTokenConfig `yaml:"signed_token"`
	TLSEnabled  bool                     `yaml:"tls_enabled"`
	TLSVerify   bool                     `yaml:"tls_verify"`
	HealthCheck *healthCheckSpec         `yaml:"health_check"`
	Active      *bool                    `yaml:"active"`
}

type healthCheckSpec struct {
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	Interval string `yaml:"interval"`
	Timeout  string `yaml:"timeout"`
	Retries  int    `yaml:"retries"`
}

func (h *healthCheckSpec) toHealthCheck() (*types.HealthCheck, error) {
	hc := &types.HealthCheck{
		Type:     types.HealthCheckType(h.Type),
		Endpoint: h.Endpoint,
		Retries:  h.Retries,
	}
	var err error
	if h.Interval != "" {
		if hc.Interval, err = time.ParseDuration(h.Interval); err != nil {
			return nil, fmt.Errorf("invalid health check interval: %v", err)
		}
	}
	if h.Timeout != "" {
		if hc.Timeout, err = time.ParseDuration(h.Timeout); err != nil {
			return nil, fmt.Errorf("invalid health check timeout: %v", err)
		}
	}
	return hc, nil
}

func applyService(ctx context.Context, admin *client.AdminClient, res *resource) error {
	var spec serviceSpec
	if err := res.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("service '%s': %v", res.Metadata.Name, err)
	}
	cluster, err := resolveCluster(ctx, admin, res)
	if err != nil {
		return err
	}

	svc := &types.Service{
		Name:        res.Metadata.Name,
		Host:        spec.Host,
		Port:        spec.Port,
		Transport:   types.Transport(spec.Transport),
		AuthType:    types.AuthType(spec.AuthType),
		TokenValue:  spec.TokenValue,
		SignedToken: spec.SignedToken,
		TLSEnabled:  spec.TLSEnabled,
		TLSVerify:   spec.TLSVerify,
		Active:      spec.Active == nil || *spec.Active,
	}
	if spec.HealthCheck != nil {
		if svc.HealthCheck, err = spec.HealthCheck.toHealthCheck(); err != nil {
			return fmt.Errorf("service '%s': %v", res.Metadata.Name, err)
		}
	}

	if existing := findService(ctx, admin, cluster.ID, svc.Name); existing != nil {
		if _, err := admin.UpdateService(ctx, existing.ID, svc); err != nil {
			return fmt.Errorf("failed to update service: %v", err)
		}
		fmt.Printf("✓ Service updated: %s\n", svc.Name)
		return nil
	}

	created, err := admin.CreateService(ctx, cluster.ID, svc)
	if err != nil {
		return fmt.Errorf("failed to create service: %v", err)
	}
	fmt.Printf("✓ Service created: %s (ID: %s)\n", created.Name, created.ID)
	return nil
}

type mappingSpec struct {
	Sources      []string `yaml:"sources"` // service names
	Destinations []string `yaml:"destinations"`
	Ports        []string `yaml:"ports"` // "80" or "8000-8010"
	Protocols    []string `yaml:"protocols"`
	AuthRequired bool     `yaml:"auth_required"`
	Priority     int      `yaml:"priority"`
	Active       *bool    `yaml:"active"`
}

func applyMapping(ctx context.Context, admin *client.AdminClient, res *resource) error {
	var spec mappingSpec
	if err := res.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("mapping '%s': %v", res.Metadata.Name, err)
	}
	cluster, err := resolveCluster(ctx, admin, res)
	if err != nil {
		return err
	}

	services, err := admin.ListServices(ctx, cluster.ID)
	if err != nil {
		return fmt.Errorf("failed to list services: %v", err)
	}
	byName := make(map[string]string, len(services))
	for _, svc := range services {
		byName[svc.Name] = svc.ID
	}
	resolve := func(names []string) ([]string, error) {
		ids := make([]string, 0, len(names))
		for _, name := range names {
			id, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("mapping '%s' references unknown service '%s'", res.Metadata.Name, name)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	m := &types.Mapping{
		Name:         res.Metadata.Name,
		AuthRequired: spec.AuthRequired,
		Priority:     spec.Priority,
		Active:       spec.Active == nil || *spec.Active,
	}
	if m.SourceIDs, err = resolve(spec.Sources); err != nil {
		return err
	}
	if m.DestIDs, err = resolve(spec.Destinations); err != nil {
		return err
	}
	for _, p := range spec.Protocols {
		m.Protocols = append(m.Protocols, types.Transport(p))
	}
	if m.Ports, err = parsePortSpecs(spec.Ports); err != nil {
		return fmt.Errorf("mapping '%s': %v", res.Metadata.Name, err)
	}

	if existing := findMapping(ctx, admin, cluster.ID, m.Name); existing != nil {
		if _, err := admin.UpdateMapping(ctx, existing.ID, m); err != nil {
			return fmt.Errorf("failed to update mapping: %v", err)
		}
		fmt.Printf("✓ Mapping updated: %s\n", m.Name)
		return nil
	}

	created, err := admin.CreateMapping(ctx, cluster.ID, m)
	if err != nil {
		return fmt.Errorf("failed to create mapping: %v", err)
	}
	fmt.Printf("✓ Mapping created: %s (ID: %s)\n", created.Name, created.ID)
	return nil
}

type certificateSpec struct {
	Type    string `yaml:"type"`
	Source  string `yaml:"source"`
	PEM     string `yaml:"pem"`
	PEMFile string `yaml:"pem_file"`
}

func applyCertificate(ctx context.Context, admin *client.AdminClient, res *resource) error {
	var spec certificateSpec
	if err := res.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("certificate '%s': %v", res.Metadata.Name, err)
	}

	pem := spec.PEM
	if pem == "" && spec.PEMFile != "" {
		data, err := os.ReadFile(spec.PEMFile)
		if err != nil {
			return fmt.Errorf("certificate '%s': %v", res.Metadata.Name, err)
		}
		pem = string(data)
	}
	if pem == "" {
		return fmt.Errorf("certificate '%s' needs pem or pem_file", res.Metadata.Name)
	}

	created, err := admin.UploadCertificate(ctx, &client.UploadCertificateRequest{
		Name:   res.Metadata.Name,
		Type:   spec.Type,
		Source: spec.Source,
		PEM:    pem,
	})
	if err != nil {
		return fmt.Errorf("failed to upload certificate: %v", err)
	}
	fmt.Printf("✓ Certificate uploaded: %s (fingerprint: %s)\n", created.Name, created.Fingerprint)
	return nil
}

func resolveCluster(ctx context.Context, admin *client.AdminClient, res *resource) (*types.Cluster, error) {
	name := res.Metadata.Cluster
	if name == "" {
		name = "default"
	}
	cluster, err := admin.FindCluster(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%s '%s': %v", strings.ToLower(res.Kind), res.Metadata.Name, err)
	}
	return cluster, nil
}

func findService(ctx context.Context, admin *client.AdminClient, clusterID, name string) *types.Service {
	services, err := admin.ListServices(ctx, clusterID)
	if err != nil {
		return nil
	}
	for _, svc := range services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

func findMapping(ctx context.Context, admin *client.AdminClient, clusterID, name string) *types.Mapping {
	mappings, err := admin.ListMappings(ctx, clusterID)
	if err != nil {
		return nil
	}
	for _, m := range mappings {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// parsePortSpecs converts "80" and "8000-8010" forms into port specs.
func parsePortSpecs(specs []string) ([]types.PortSpec, error) {
	out := make([]types.PortSpec, 0, len(specs))
	for _, raw := range specs {
		start, end, found := strings.Cut(raw, "-")
		a, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", raw)
		}
		b := a
		if found {
			if b, err = strconv.Atoi(strings.TrimSpace(end)); err != nil {
				return nil, fmt.Errorf("invalid port range %q", raw)
			}
		}
		out = append(out, types.PortSpec{Start: a, End: b})
	}
	return out, nil
}
