package types

import (
	"time"
)

// Cluster is the logical boundary grouping proxies, services, mappings and
// certificates. Exactly one cluster per installation carries IsDefault.
type Cluster struct {
	ID         string
	Name       string
	APIKey     string // opaque, uniformly random, rotatable
	MaxProxies int
	Logging    *LoggingConfig
	IsDefault  bool
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LoggingConfig is the per-cluster log shipping configuration delivered to
// proxies inside their config snapshot.
type LoggingConfig struct {
	SyslogEndpoint string `json:"syslog_endpoint"`
	LogAuth        bool   `json:"log_auth"`
	LogNetflow     bool   `json:"log_netflow"`
	LogDebug       bool   `json:"log_debug"`
}

// Proxy represents a running data-plane process registered to a cluster.
type Proxy struct {
	ID            string
	Name          string // unique within cluster
	ClusterID     string
	Hostname      string
	Address       string
	Port          int
	Version       string
	Capabilities  []string // ordered: "http", "https", "mtls", "tcp", "udp"
	Status        ProxyStatus
	LastHeartbeat time.Time
	ConfigVersion string // last acknowledged config version
	Metrics       *ProxyMetrics
	CreatedAt     time.Time
}

// ProxyStatus represents the lifecycle state of a proxy instance.
type ProxyStatus string

const (
	ProxyStatusRegistering ProxyStatus = "registering"
	ProxyStatusActive      ProxyStatus = "active"
	ProxyStatusStale       ProxyStatus = "stale"
	ProxyStatusRetired     ProxyStatus = "retired"
)

// Counted reports whether the proxy occupies a capacity slot. Only
// registering and active proxies hold slots; a proxy that went stale has
// released its slot and must win it back via heartbeat or re-registration.
func (s ProxyStatus) Counted() bool {
	return s == ProxyStatusRegistering || s == ProxyStatusActive
}

// ProxyMetrics is the optional load report carried on a heartbeat.
type ProxyMetrics struct {
	CPUUsage         float64 `json:"cpu_usage"`
	MemoryUsage      float64 `json:"memory_usage"`
	Connections      int     `json:"connections"`
	BytesTransferred int64   `json:"bytes_transferred"`
}

// Service is an addressable upstream target. NumericID is a stable small
// integer assigned by the store at creation; it is the service identity
// carried in signed-token claims.
type Service struct {
	ID          string
	NumericID   int64
	ClusterID   string
	Name        string
	Host        string // IP or FQDN
	Port        int
	Transport   Transport
	AuthType    AuthType
	TokenValue  string // present iff AuthType == AuthSymmetricToken
	SignedToken *SignedTokenConfig
	TLSEnabled  bool
	TLSVerify   bool
	HealthCheck *HealthCheck
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SignedTokenConfig holds the secret material for signed-token auth.
// Present iff the service's AuthType is AuthSignedToken.
type SignedTokenConfig struct {
	Secret        string `json:"secret"`
	ExpirySeconds int    `json:"expiry_seconds"`
	Algorithm     string `json:"algorithm"` // only "HS256"
}

// Transport is the L4 protocol of a service.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// AuthType selects the per-connection authentication a service enforces.
type AuthType string

const (
	AuthNone           AuthType = "none"
	AuthSymmetricToken AuthType = "symmetric_token"
	AuthSignedToken    AuthType = "signed_token"
)

// Mapping is a routing rule composing sources, destinations, ports and
// protocols. Lower Priority wins for overlapping matches, ties broken by ID.
type Mapping struct {
	ID           string
	ClusterID    string
	Name         string
	SourceIDs    []string // ordered service references
	DestIDs      []string
	Ports        []PortSpec
	Protocols    []Transport
	AuthRequired bool
	Priority     int
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PortSpec is a single port or an inclusive range.
type PortSpec struct {
	Start int `json:"start"`
	End   int `json:"end"` // equal to Start for a single port
}

// Count returns the number of ports the spec covers.
func (p PortSpec) Count() int {
	return p.End - p.Start + 1
}

// Certificate is PEM-encoded cryptographic material tracked by the
// control plane.
type Certificate struct {
	ID                string
	Name              string
	Type              CertType
	Subject           string
	Issuer            string
	SerialNumber      string
	Fingerprint       string // SHA-256, hex
	NotBefore         time.Time
	NotAfter          time.Time
	PEM               string
	Source            CertSource
	AutoRotate        bool
	RotationThreshold int // days
	LastRotationAt    time.Time
	RotationError     string
	Active            bool
	Revoked           bool
	RevokedAt         time.Time
	RevocationReason  string
	CreatedAt         time.Time
}

// CertType classifies certificate material.
type CertType string

const (
	CertTypeCA     CertType = "ca"
	CertTypeServer CertType = "server"
	CertTypeClient CertType = "client"
)

// CertSource records where certificate material came from. Uploaded
// certificates cannot be auto-renewed; issuer-backed ones may be.
type CertSource string

const (
	CertSourceUpload      CertSource = "upload"
	CertSourceLetsEncrypt CertSource = "letsencrypt"
	CertSourceStepCA      CertSource = "stepca"
)

// HealthCheck defines backend health checking for a service.
type HealthCheck struct {
	Type     HealthCheckType `json:"type"`
	Endpoint string          `json:"endpoint"`
	Interval time.Duration   `json:"interval"`
	Timeout  time.Duration   `json:"timeout"`
	Retries  int             `json:"retries"`
}

// HealthCheckType defines the type of health check.
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
)

// License is a validation record cached from the external issuer.
type License struct {
	Tier          LicenseTier
	Valid         bool
	MaxProxies    int
	Features      []string
	ExpiresAt     time.Time
	LastKeepalive time.Time
	Stale         bool // served from cache within the grace window
}

// LicenseTier is the licensed edition.
type LicenseTier string

const (
	TierCommunity  LicenseTier = "community"
	TierEnterprise LicenseTier = "enterprise"
)

// CommunityMaxProxies is the capacity granted without a valid license.
const CommunityMaxProxies = 3

// HasFeature reports whether the license grants a named feature.
func (l *License) HasFeature(name string) bool {
	for _, f := range l.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Revocation is a CRL entry distributed to proxies.
type Revocation struct {
	SerialNumber string    `json:"serial_number"`
	RevokedAt    time.Time `json:"revoked_at"`
	Reason       string    `json:"reason"`
}

// ConfigSnapshot is the immutable rendered configuration delivered to a
// proxy. Version is a content-addressed digest of the rendered body.
type ConfigSnapshot struct {
	Version      string                `json:"version"`
	Cluster      SnapshotCluster       `json:"cluster"`
	Services     []SnapshotService     `json:"services"`
	Mappings     []SnapshotMapping     `json:"mappings"`
	Certificates []SnapshotCertificate `json:"certificates"`
	Revocations  []Revocation          `json:"revocations"`
	Logging      LoggingConfig         `json:"logging"`
	GeneratedAt  time.Time             `json:"generated_at"`
}

// SnapshotCluster identifies the cluster a snapshot was rendered for.
type SnapshotCluster struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SnapshotService is a rendered service carrying only the auth material
// relevant to its auth type.
type SnapshotService struct {
	ID          string       `json:"id"`
	NumericID   int64        `json:"numeric_id"`
	Name        string       `json:"name"`
	Host        string       `json:"host"`
	Port        int          `json:"port"`
	Transport   string       `json:"transport"`
	AuthType    string       `json:"auth_type"`
	TokenValue  string       `json:"token_value,omitempty"`
	TokenSecret string       `json:"token_secret,omitempty"`
	TokenExpiry int          `json:"token_expiry,omitempty"`
	TokenAlg    string       `json:"token_alg,omitempty"`
	TLSEnabled  bool         `json:"tls_enabled"`
	TLSVerify   bool         `json:"tls_verify"`
	HealthCheck *HealthCheck `json:"health_check,omitempty"`
}

// SnapshotEndpoint is a resolved service reference inside a mapping.
type SnapshotEndpoint struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
}

// SnapshotMapping is a rendered mapping with resolved endpoint tuples.
type SnapshotMapping struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Sources      []SnapshotEndpoint `json:"sources"`
	Destinations []SnapshotEndpoint `json:"destinations"`
	Ports        []int              `json:"ports,omitempty"`
	PortRanges   []PortSpec         `json:"port_ranges,omitempty"`
	Protocols    []string           `json:"protocols"`
	AuthRequired bool               `json:"auth_required"`
	Priority     int                `json:"priority"`
}

// SnapshotCertificate is rendered certificate material.
type SnapshotCertificate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	PEM         string `json:"pem"`
	Fingerprint string `json:"fingerprint"`
	NotAfter    string `json:"not_after"`
}
