package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// s3StoreArgs contains fields that are parsed from the query arguments
// of an s3:// archive store URL.
type s3StoreArgs struct {
	// AWS Profile to extract credentials from the shared credentials file.
	// If empty, the default credentials are used.
	Profile string
	// Endpoint to connect to S3. If empty, the default S3 service is used.
	// Set this for S3-compatible stores such as Cloudflare R2 or MinIO.
	Endpoint string
	// Region is the region for the bucket. If empty, the region is
	// determined from `Profile` or the default credentials.
	Region string
	// Suffix appended to each key to form the bundle object name.
	// Defaults to ".tar.gz".
	Suffix string
	// SumSuffix names a sidecar object holding the bundle's expected hex
	// SHA-256 checksum, appended to the bundle object name. Defaults to
	// ".sha256". Set to "none" to disable sidecar checksum lookups.
	SumSuffix string
}

// s3Store fetches bundles of the "s3://bucket/prefix/" scheme. A bundle of
// key K resolves to object "prefix/K{Suffix}"; its expected checksum is
// read from object metadata ("sha256") or a checksum sidecar object.
type s3Store struct {
	bucket string
	prefix string
	args   s3StoreArgs
	client *s3.S3
}

func newS3Store(ep *url.URL) (Store, error) {
	var args = s3StoreArgs{Suffix: ".tar.gz", SumSuffix: ".sha256"}
	if err := parseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")

	var awsConfig = aws.NewConfig()
	awsConfig.WithCredentialsChainVerboseErrors(true)

	if args.Region != "" {
		awsConfig.WithRegion(args.Region)
	}
	if args.Endpoint != "" {
		awsConfig.WithEndpoint(args.Endpoint)
		// We must force path style because bucket-named virtual hosts
		// are not compatible with explicit endpoints.
		awsConfig.WithS3ForcePathStyle(true)
	} else {
		// Real S3. Override the default http.Transport's behavior of inserting
		// "Accept-Encoding: gzip" and transparently decompressing client-side.
		awsConfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		})
	}

	awsSession, err := session.NewSessionWithOptions(session.Options{
		Profile: args.Profile,
	})
	if err != nil {
		return nil, errors.Wrap(err, "constructing S3 session")
	}

	log.WithFields(log.Fields{
		"bucket":   bucket,
		"endpoint": args.Endpoint,
		"profile":  args.Profile,
	}).Info("constructed new aws.Session")

	return &s3Store{
		bucket: bucket,
		prefix: prefix,
		args:   args,
		client: s3.New(awsSession, awsConfig),
	}, nil
}

// Get implements Store.
func (s *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	var objKey = path.Join(s.prefix, key+s.args.Suffix)

	var getObj = s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	}
	resp, err := s.client.GetObjectWithContext(ctx, &getObj)
	if awsErr, ok := err.(awserr.RequestFailure); ok && awsErr.StatusCode() == http.StatusNotFound {
		return nil, "", errors.WithMessagef(ErrNotFound, "key %q", key)
	} else if err != nil {
		return nil, "", err
	}

	// Prefer an expected checksum from object metadata,
	// falling back to a sidecar object.
	var sum string
	if meta, ok := resp.Metadata["Sha256"]; ok && meta != nil {
		sum = *meta
	} else if s.args.SumSuffix != "none" {
		sum, err = s.readSumSidecar(ctx, objKey+s.args.SumSuffix)
		if err != nil {
			_ = resp.Body.Close()
			return nil, "", err
		}
	}
	return resp.Body, sum, nil
}

// readSumSidecar reads the hex checksum held by a sidecar object,
// or returns an empty checksum if the sidecar doesn't exist.
func (s *s3Store) readSumSidecar(ctx context.Context, objKey string) (string, error) {
	var getObj = s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	}
	resp, err := s.client.GetObjectWithContext(ctx, &getObj)
	if awsErr, ok := err.(awserr.RequestFailure); ok && awsErr.StatusCode() == http.StatusNotFound {
		return "", nil
	} else if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", errors.Wrap(err, "reading checksum sidecar")
	}
	// Tolerate `sha256sum` output ("<hex>  <name>").
	if i := strings.IndexAny(string(body), " \t\n"); i != -1 {
		body = body[:i]
	}
	return string(body), nil
}

func parseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}
