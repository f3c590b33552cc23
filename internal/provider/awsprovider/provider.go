// Package awsprovider implements the provider adapter on Amazon S3 and
// CloudFront. The origin store is an S3 bucket, the distribution is a
// CloudFront distribution, the access-control entry is a CloudFront origin
// access control and the access policy is the bucket policy.
package awsprovider

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/site"
)

// DefaultDeployWait bounds how long Delete waits for a disabled
// distribution to finish deploying.
const DefaultDeployWait = 25 * time.Minute

// lookupTimeout bounds the calls that resolve a create whose outcome is
// unknown. They run after the create's own deadline may have passed.
const lookupTimeout = 30 * time.Second

// Options configures the AWS adapter.
type Options struct {
	// Region is used for origin stores whose spec names no region.
	Region string
	// Syncer uploads build artifacts. Nil disables content sync; specs
	// carrying a content directory are then rejected.
	Syncer     *site.Syncer
	DeployWait time.Duration
	Logger     hclog.Logger
}

// New returns an adapter backed by clients built from cfg.
func New(cfg aws.Config, opts Options) *provider.Mux {
	if opts.Region == "" {
		opts.Region = cfg.Region
	}
	return NewWithClients(s3.NewFromConfig(cfg), cloudfront.NewFromConfig(cfg), opts)
}

// NewWithClients returns an adapter over the given clients.
func NewWithClients(s3c S3Client, cf CloudFrontClient, opts Options) *provider.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("aws")
	wait := opts.DeployWait
	if wait <= 0 {
		wait = DefaultDeployWait
	}
	return provider.NewMux(
		newBucketDriver(s3c, opts.Region, opts.Syncer, logger),
		newDistributionDriver(cf, wait, logger),
		newOACDriver(cf, logger),
		newPolicyDriver(s3c, logger),
	)
}

// envKeyOf returns the environment part of a resource key ("pr-42/origin").
func envKeyOf(key string) string {
	env, _, _ := strings.Cut(key, "/")
	return env
}
