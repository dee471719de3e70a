package configdist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/penguintechinc/marchproxy/pkg/metrics"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// maxExpandedPorts bounds how large a port range is expanded inline;
// anything bigger is passed through as a range expression.
const maxExpandedPorts = 128

// digestBody is the canonical serialization the version digest covers.
// GeneratedAt is deliberately excluded so identical inputs always produce
// identical versions.
type digestBody struct {
	Cluster      types.SnapshotCluster       `json:"cluster"`
	Services     []types.SnapshotService     `json:"services"`
	Mappings     []types.SnapshotMapping     `json:"mappings"`
	Certificates []types.SnapshotCertificate `json:"certificates"`
	Revocations  []types.Revocation          `json:"revocations"`
	Logging      types.LoggingConfig         `json:"logging"`
}

// render produces the cluster's snapshot. When capabilities is non-nil the
// output is restricted to what that capability set can enforce. The render
// is pure: the version is a digest of the rendered content.
func (d *Distributor) render(cluster *types.Cluster, capabilities []string) (*types.ConfigSnapshot, error) {
	view, err := d.store.GetClusterView(cluster.ID)
	if err != nil {
		return nil, types.NewError(types.KindStoreUnavailable, "failed to read cluster view: %v", err)
	}

	caps := capabilitySet(capabilities)

	services := renderServices(view.Services, caps)

	// Mapping endpoint resolution distinguishes a reference dropped by
	// capability filtering (silent) from one that is dangling (warned).
	rendered := make(map[string]types.SnapshotService, len(services))
	for _, svc := range services {
		rendered[svc.ID] = svc
	}
	activeIDs := make(map[string]bool, len(view.Services))
	for _, svc := range view.Services {
		if svc.Active {
			activeIDs[svc.ID] = true
		}
	}

	mappings := d.renderMappings(cluster, view.Mappings, rendered, activeIDs, caps)

	var certs []types.SnapshotCertificate
	var revocations []types.Revocation
	if caps == nil || caps["mtls"] {
		certs = renderCertificates(view.Certificates)
		for _, rev := range view.Revocations {
			revocations = append(revocations, *rev)
		}
		sort.Slice(revocations, func(i, j int) bool {
			return revocations[i].SerialNumber < revocations[j].SerialNumber
		})
	}

	logging := types.LoggingConfig{}
	if cluster.Logging != nil {
		logging = *cluster.Logging
	}

	body := digestBody{
		Cluster:      types.SnapshotCluster{ID: cluster.ID, Name: cluster.Name},
		Services:     services,
		Mappings:     mappings,
		Certificates: certs,
		Revocations:  revocations,
		Logging:      logging,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	digest := sha256.Sum256(payload)

	metrics.ConfigRendersTotal.Inc()

	return &types.ConfigSnapshot{
		Version:      hex.EncodeToString(digest[:]),
		Cluster:      body.Cluster,
		Services:     services,
		Mappings:     mappings,
		Certificates: certs,
		Revocations:  revocations,
		Logging:      logging,
		GeneratedAt:  d.now(),
	}, nil
}

// capabilitySet returns nil for an unrestricted render. The http and https
// capabilities imply tcp transport.
func capabilitySet(capabilities []string) map[string]bool {
	if capabilities == nil {
		return nil
	}
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	if caps["http"] || caps["https"] {
		caps["tcp"] = true
	}
	return caps
}

func transportAllowed(caps map[string]bool, transport types.Transport) bool {
	return caps == nil || caps[string(transport)]
}

func renderServices(services []*types.Service, caps map[string]bool) []types.SnapshotService {
	var out []types.SnapshotService
	for _, svc := range services {
		if !svc.Active || !transportAllowed(caps, svc.Transport) {
			continue
		}

		snap := types.SnapshotService{
			ID:          svc.ID,
			NumericID:   svc.NumericID,
			Name:        svc.Name,
			Host:        svc.Host,
			Port:        svc.Port,
			Transport:   string(svc.Transport),
			AuthType:    string(svc.AuthType),
			TLSEnabled:  svc.TLSEnabled,
			TLSVerify:   svc.TLSVerify,
			HealthCheck: svc.HealthCheck,
		}
		switch svc.AuthType {
		case types.AuthSymmetricToken:
			snap.TokenValue = svc.TokenValue
		case types.AuthSignedToken:
			if svc.SignedToken != nil {
				snap.TokenSecret = svc.SignedToken.Secret
				snap.TokenExpiry = svc.SignedToken.ExpirySeconds
				snap.TokenAlg = svc.SignedToken.Algorithm
			}
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Distributor) renderMappings(cluster *types.Cluster, mappings []*types.Mapping, rendered map[string]types.SnapshotService, activeIDs map[string]bool, caps map[string]bool) []types.SnapshotMapping {
	var out []types.SnapshotMapping
	for _, m := range mappings {
		if !m.Active {
			continue
		}

		var protocols []string
		for _, p := range m.Protocols {
			if transportAllowed(caps, p) {
				protocols = append(protocols, string(p))
			}
		}
		if len(protocols) == 0 {
			continue
		}

		snap := types.SnapshotMapping{
			ID:           m.ID,
			Name:         m.Name,
			Sources:      d.resolveEndpoints(cluster, m, m.SourceIDs, rendered, activeIDs),
			Destinations: d.resolveEndpoints(cluster, m, m.DestIDs, rendered, activeIDs),
			Protocols:    protocols,
			AuthRequired: m.AuthRequired,
			Priority:     m.Priority,
		}
		for _, spec := range m.Ports {
			if spec.Count() <= maxExpandedPorts {
				for p := spec.Start; p <= spec.End; p++ {
					snap.Ports = append(snap.Ports, p)
				}
			} else {
				snap.PortRanges = append(snap.PortRanges, spec)
			}
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// resolveEndpoints maps service references to endpoint tuples. A dangling
// reference is elided and counted; a reference excluded only by capability
// filtering is elided silently.
func (d *Distributor) resolveEndpoints(cluster *types.Cluster, m *types.Mapping, ids []string, rendered map[string]types.SnapshotService, activeIDs map[string]bool) []types.SnapshotEndpoint {
	var endpoints []types.SnapshotEndpoint
	for _, id := range ids {
		svc, ok := rendered[id]
		if !ok {
			if !activeIDs[id] {
				metrics.ConfigRenderWarnings.Inc()
				d.logger.Warn().
					Str("cluster", cluster.Name).
					Str("mapping", m.Name).
					Str("service_id", id).
					Msg("mapping references missing or inactive service, elided")
			}
			continue
		}
		endpoints = append(endpoints, types.SnapshotEndpoint{
			ID:        svc.ID,
			Host:      svc.Host,
			Port:      svc.Port,
			Transport: svc.Transport,
		})
	}
	return endpoints
}

func renderCertificates(certs []*types.Certificate) []types.SnapshotCertificate {
	var out []types.SnapshotCertificate
	for _, cert := range certs {
		if !cert.Active || cert.Revoked {
			continue
		}
		out = append(out, types.SnapshotCertificate{
			ID:          cert.ID,
			Name:        cert.Name,
			Type:        string(cert.Type),
			PEM:         cert.PEM,
			Fingerprint: cert.Fingerprint,
			NotAfter:    cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
