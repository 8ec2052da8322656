//go:build integration

package natskv_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/sessionflow/natsclient"
	"github.com/c360/sessionflow/statestore"
	"github.com/c360/sessionflow/statestore/natskv"
	"github.com/c360/sessionflow/statestore/storetest"
)

var (
	sharedNATS *natsclient.TestClient
	bucketSeq  atomic.Int64
)

func TestMain(m *testing.M) {
	tc, err := natsclient.NewSharedTestClient(natsclient.WithJetStream())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start NATS: %v\n", err)
		os.Exit(1)
	}
	sharedNATS = tc

	code := m.Run()
	_ = tc.Terminate()
	os.Exit(code)
}

func TestNATSKVStore_Conformance(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T, clock func() time.Time) statestore.Store {
		bucket := fmt.Sprintf("state_%d", bucketSeq.Add(1))
		store, err := natskv.Open(context.Background(), sharedNATS.Client, bucket, natskv.WithClock(clock))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = sharedNATS.Client.DeleteKeyValueBucket(context.Background(), bucket)
		})
		return store
	})
}
