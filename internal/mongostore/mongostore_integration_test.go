//go:build integration

package mongostore

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/roach88/rulebox/internal/storage"
	"github.com/roach88/rulebox/internal/storage/storagetest"
)

const mongoStartupTimeout = 2 * time.Minute

var (
	sharedClient     *mongo.Client
	sharedClientOnce sync.Once
	errSharedClient  error
	databaseSeq      atomic.Int64
)

// startReplicaSet starts a single-node replica set; transactions need one.
func startReplicaSet(ctx context.Context) (*mongo.Client, error) {
	req := testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"mongod", "--replSet", "rs0", "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(mongoStartupTimeout),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start mongodb container: %w", err)
	}

	code, _, err := container.Exec(ctx, []string{"mongosh", "--quiet", "--eval",
		"rs.initiate({_id: 'rs0', members: [{_id: 0, host: 'localhost:27017'}]})"})
	if err != nil || code != 0 {
		return nil, fmt.Errorf("initiate replica set: exit %d: %v", code, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}
	uri := fmt.Sprintf("mongodb://%s/?directConnection=true", net.JoinHostPort(host, port.Port()))

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	// Wait for the node to become primary.
	deadline := time.Now().Add(mongoStartupTimeout)
	for {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
		if err == nil && hello.IsWritablePrimary {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("replica set never became primary: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	sharedClientOnce.Do(func() {
		sharedClient, errSharedClient = startReplicaSet(ctx)
	})
	require.NoError(t, errSharedClient)

	name := fmt.Sprintf("rulebox_test_%d", databaseSeq.Add(1))
	s, err := New(ctx, sharedClient, name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sharedClient.Database(name).Drop(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.MultiModelStore {
		return newTestStore(t)
	})
}
