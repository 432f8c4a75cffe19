package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Origin serves the manifest and payloads from an S3 bucket.
// The prefix is optional and will be prepended to all keys.
type S3Origin struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

func NewS3Origin(client *s3.Client, bucket, prefix string) *S3Origin {
	return &S3Origin{
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	}
}

func (o *S3Origin) fullKey(key string) string {
	if o.Prefix == "" {
		return key
	}
	return o.Prefix + key
}

func (o *S3Origin) Fetch(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, originFailure(ctx, "get object", p, err)
	}
	key, err := cleanOriginPath(p)
	if err != nil {
		return nil, err
	}

	result, err := o.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.Bucket),
		Key:    aws.String(o.fullKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrOriginNotFound, o.Bucket, o.fullKey(key))
		}
		return nil, originFailure(ctx, "get object", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, originFailure(ctx, "read object", key, err)
	}
	return data, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var responseErr *smithyhttp.ResponseError
	return errors.As(err, &responseErr) && responseErr.HTTPStatusCode() == http.StatusNotFound
}
