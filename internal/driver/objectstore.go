package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datafabrix/fabric/internal/registry"
)

type objectStoreDriver struct{}

// NewObjectStoreDriver returns the driver for S3-compatible object stores.
// Addresses use the form s3://endpoint[/bucket]; an address without a
// bucket exposes buckets as entities, one with a bucket exposes prefixes.
func NewObjectStoreDriver() Driver {
	return &objectStoreDriver{}
}

func (*objectStoreDriver) Kind() registry.Kind {
	return registry.KindObjectStore
}

func (*objectStoreDriver) Open(ctx context.Context, desc registry.Descriptor) (Conn, error) {
	endpoint, bucket := splitObjectStoreAddress(desc.Address)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load object store config: %v", ErrConnectionFailed, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String("https://" + endpoint)
		}
		o.UsePathStyle = true
	})

	return &objectStoreConn{client: client, bucket: bucket}, nil
}

// splitObjectStoreAddress splits s3://endpoint/bucket into its parts
func splitObjectStoreAddress(address string) (endpoint, bucket string) {
	trimmed := strings.TrimPrefix(address, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	endpoint = parts[0]
	if len(parts) == 2 {
		bucket = strings.TrimSuffix(parts[1], "/")
	}
	return endpoint, bucket
}

type objectStoreConn struct {
	client *s3.Client
	bucket string
}

func (c *objectStoreConn) Ping(ctx context.Context) error {
	var err error
	if c.bucket != "" {
		_, err = c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	} else {
		_, err = c.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	}
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

func classifyS3Error(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "InvalidAccessKeyId") ||
		strings.Contains(msg, "SignatureDoesNotMatch") {
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

func (c *objectStoreConn) Introspect(ctx context.Context, limit int) ([]Entity, error) {
	if c.bucket == "" {
		return c.introspectBuckets(ctx, limit)
	}
	return c.introspectPrefixes(ctx, limit)
}

// objectFields is the fixed shape of object listings; every object store
// entity carries the same three fields.
var objectFields = []Field{
	{Name: "key", Type: "string"},
	{Name: "size", Type: "integer"},
	{Name: "last_modified", Type: "timestamp"},
}

func (c *objectStoreConn) introspectBuckets(ctx context.Context, limit int) ([]Entity, error) {
	out, err := c.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, classifyS3Error(err)
	}

	var entities []Entity
	for _, b := range out.Buckets {
		if len(entities) >= limit {
			break
		}
		entities = append(entities, Entity{
			Name:   aws.ToString(b.Name),
			Fields: objectFields,
		})
	}
	return entities, nil
}

func (c *objectStoreConn) introspectPrefixes(ctx context.Context, limit int) ([]Entity, error) {
	out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}

	entities := []Entity{{
		Name:        c.bucket,
		Fields:      objectFields,
		ApproxCount: int64(aws.ToInt32(out.KeyCount)),
	}}
	for _, p := range out.CommonPrefixes {
		if len(entities) >= limit {
			break
		}
		entities = append(entities, Entity{
			Name:   strings.TrimSuffix(aws.ToString(p.Prefix), "/"),
			Fields: objectFields,
		})
	}
	return entities, nil
}

func (c *objectStoreConn) Query(ctx context.Context, q Query) ([]Row, error) {
	bucket := c.bucket
	prefix := ""
	if bucket == "" {
		bucket = q.Entity
	} else if q.Entity != bucket {
		prefix = q.Entity + "/"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultRowLimit
	}

	out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, classifyS3Error(err)
	}

	rows := make([]Row, 0, len(out.Contents))
	for _, obj := range out.Contents {
		row := Row{
			"key":           aws.ToString(obj.Key),
			"size":          aws.ToInt64(obj.Size),
			"last_modified": aws.ToTime(obj.LastModified),
		}
		rows = append(rows, projectRow(row, q.Fields))
	}
	return rows, nil
}

func (*objectStoreConn) Close() error {
	// The S3 client is stateless over HTTP; nothing to tear down.
	return nil
}

// projectRow narrows a row to the requested fields; empty means all
func projectRow(row Row, fields []string) Row {
	if len(fields) == 0 {
		return row
	}
	out := make(Row, len(fields))
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}
