package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy/pkg/types"
)

func TestAdminClusterLifecycle(t *testing.T) {
	plane := newTestPlane(t)
	admin := NewAdminClient(plane.server.URL, "admin-secret")
	ctx := context.Background()

	created, err := admin.CreateCluster(ctx, &CreateClusterRequest{Name: "edge", MaxProxies: 5})
	require.NoError(t, err)
	assert.Len(t, created.APIKey, 64)
	assert.True(t, created.Active)

	found, err := admin.FindCluster(ctx, "edge")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = admin.FindCluster(ctx, "missing")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	newKey, err := admin.RotateKey(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, newKey, 64)
	assert.NotEqual(t, created.APIKey, newKey)
}

func TestAdminServiceAndMappingLifecycle(t *testing.T) {
	plane := newTestPlane(t)
	admin := NewAdminClient(plane.server.URL, "admin-secret")
	ctx := context.Background()

	svc, err := admin.CreateService(ctx, plane.cluster.ID, &types.Service{
		Name: "db", Host: "10.0.1.5", Port: 5432,
		Transport: types.TransportTCP,
		AuthType:  types.AuthSymmetricToken, TokenValue: "s3cret",
		Active: true,
	})
	require.NoError(t, err)
	assert.NotZero(t, svc.NumericID)

	web, err := admin.CreateService(ctx, plane.cluster.ID, &types.Service{
		Name: "web", Host: "10.0.1.6", Port: 443,
		Transport: types.TransportTCP, AuthType: types.AuthNone,
		Active: true,
	})
	require.NoError(t, err)

	services, err := admin.ListServices(ctx, plane.cluster.ID)
	require.NoError(t, err)
	assert.Len(t, services, 2)

	m, err := admin.CreateMapping(ctx, plane.cluster.ID, &types.Mapping{
		Name:      "web-to-db",
		SourceIDs: []string{web.ID},
		DestIDs:   []string{svc.ID},
		Ports:     []types.PortSpec{{Start: 5432, End: 5432}},
		Protocols: []types.Transport{types.TransportTCP},
		Active:    true,
	})
	require.NoError(t, err)

	m.Priority = 10
	updated, err := admin.UpdateMapping(ctx, m.ID, m)
	require.NoError(t, err)
	assert.Equal(t, 10, updated.Priority)

	require.NoError(t, admin.DeleteService(ctx, web.ID))
	services, err = admin.ListServices(ctx, plane.cluster.ID)
	require.NoError(t, err)
	assert.Len(t, services, 1)
}

func TestAdminRequiresToken(t *testing.T) {
	plane := newTestPlane(t)
	admin := NewAdminClient(plane.server.URL, "wrong-token")

	_, err := admin.ListClusters(context.Background())
	assert.True(t, types.IsKind(err, types.KindAuth))
}
