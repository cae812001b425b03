//go:build integration
// +build integration

package integration

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bitrise-io/go-objtransfer/client"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/require"
)

// Environment of the test bucket, besides the credentials read by client.ConfigFromEnv.
const (
	envBucketID   = "OBJTRANSFER_TEST_BUCKET_ID"
	envBucketName = "OBJTRANSFER_TEST_BUCKET_NAME"
)

var logger = newLogger()

func newLogger() log.Logger {
	l := log.NewLogger()
	l.EnableDebugLog(true)
	return l
}

type testBucket struct {
	client *client.Client
	id     string
	name   string
}

func newTestBucket(t *testing.T) testBucket {
	bucketID, bucketName := os.Getenv(envBucketID), os.Getenv(envBucketName)
	if bucketID == "" || bucketName == "" {
		t.Skipf("%s and %s are not set", envBucketID, envBucketName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c, err := client.NewFromEnv(ctx, env.NewRepository(), logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return testBucket{client: c, id: bucketID, name: bucketName}
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("integration/%s-%d", prefix, time.Now().UnixNano())
}

func randomData(t *testing.T, size int) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func checksumOf(bytes []byte) string {
	hash := sha1.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}
