package s3client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Credentials accepted by TestServer.
const (
	TestRegion          = "us-east-1"
	TestAccessKeyID     = "test-key"
	TestSecretAccessKey = "test-secret"
)

// TestServer starts an in-memory gofakes3 server with bucketName already
// created and returns its endpoint. The server is closed when the test ends.
func TestServer(t testing.TB, bucketName string) string {
	t.Helper()

	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	client := testClientAt(t, ts.URL, bucketName, "")
	if _, err := client.s3Client.CreateBucket(context.Background(), &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}); err != nil {
		t.Fatalf("failed to create test bucket: %v", err)
	}
	return ts.URL
}

// TestClient returns a client backed by a fresh TestServer.
func TestClient(t testing.TB, bucketName, prefix string) *Client {
	t.Helper()
	return testClientAt(t, TestServer(t, bucketName), bucketName, prefix)
}

func testClientAt(t testing.TB, endpoint, bucketName, prefix string) *Client {
	t.Helper()

	client, err := New(context.Background(), Config{
		Endpoint:        endpoint,
		Region:          TestRegion,
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
		BucketName:      bucketName,
		Prefix:          prefix,
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("s3client: %v", err)
	}
	return client
}
