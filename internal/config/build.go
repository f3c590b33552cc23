package config

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/blob"
	"github.com/docspreview/previewctl/internal/lifecycle"
	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/provider/awsprovider"
	"github.com/docspreview/previewctl/internal/reconcile"
	"github.com/docspreview/previewctl/internal/site"
	"github.com/docspreview/previewctl/internal/state"
	"github.com/docspreview/previewctl/internal/status"
)

// Runtime is the object graph described by a Config.
type Runtime struct {
	Store      state.Store
	Adapter    provider.Adapter
	Reconciler *reconcile.Reconciler
	Driver     *lifecycle.Driver
	// Status is nil unless status reporting is enabled.
	Status *status.Poster
}

// BuildOptions carries the process-wide collaborators of a Runtime.
type BuildOptions struct {
	Logger  hclog.Logger
	Metrics reconcile.Metrics
}

// Build constructs every component c describes.
func (c *Config) Build(ctx context.Context, opts BuildOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	store, err := c.StateStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	adapter, err := c.Adapter(ctx, logger)
	if err != nil {
		return nil, err
	}
	rec := reconcile.New(store, adapter, reconcile.Options{
		LockTimeout: c.State.Lock.Timeout,
		CallTimeout: c.Provider.CallTimeout,
		Refresh:     c.Provider.Refresh,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})

	rt := &Runtime{Store: store, Adapter: adapter, Reconciler: rec}
	lopts := lifecycle.Options{
		MaxAttempts:      c.Lifecycle.MaxAttempts,
		InitialBackoff:   c.Lifecycle.InitialBackoff,
		MaxBackoff:       c.Lifecycle.MaxBackoff,
		PruneConcurrency: c.Lifecycle.PruneConcurrency,
		Logger:           logger,
	}
	if c.Status.Enabled {
		poster, err := c.StatusPoster(logger)
		if err != nil {
			return nil, err
		}
		rt.Status = poster
		lopts.Notifier = poster
	}
	rt.Driver = lifecycle.New(rec, store, lopts)
	return rt, nil
}

// StateStore builds the environment record store and its locker.
func (c *Config) StateStore(ctx context.Context, logger hclog.Logger) (state.Store, error) {
	s := c.State
	name := "state"
	if s.Bucket != "" {
		name = s.Bucket
	}
	objects, err := blob.New(ctx, blob.Config{
		Name:           name,
		Type:           s.Type,
		Bucket:         s.Bucket,
		Region:         s.Region,
		Prefix:         s.Prefix,
		StorageAccount: s.StorageAccount,
		ContainerName:  s.Container,
		KMSKeyID:       s.KMSKeyID,
		KMSKeyName:     s.KMSKeyName,
		MaxRetries:     *s.MaxRetries,
		RetryBackoff:   s.RetryBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("config: state store: %w", err)
	}

	var locker state.Locker
	if s.Lock.Backend == "dynamodb" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Region))
		if err != nil {
			return nil, fmt.Errorf("config: load AWS config for lock table: %w", err)
		}
		locker = state.NewDynamoDBLocker(dynamodb.NewFromConfig(awsCfg), s.Lock.Table)
	}
	return state.NewBlobStore(objects, state.Options{
		Locker:  locker,
		LockTTL: s.Lock.TTL,
		Logger:  logger,
	}), nil
}

// Adapter builds the provider adapter.
func (c *Config) Adapter(ctx context.Context, logger hclog.Logger) (provider.Adapter, error) {
	p := c.Provider
	switch p.Type {
	case "memory":
		return provider.NewMemory(), nil
	case "aws":
		var optFns []func(*awsconfig.LoadOptions) error
		if p.Region != "" {
			optFns = append(optFns, awsconfig.WithRegion(p.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
		if err != nil {
			return nil, fmt.Errorf("config: load AWS config: %w", err)
		}
		return awsprovider.New(awsCfg, awsprovider.Options{
			Region:     p.Region,
			Syncer:     site.NewSyncer(p.MaxConcurrency),
			DeployWait: p.DeployWait,
			Logger:     logger,
		}), nil
	}
	return nil, fmt.Errorf("config: unsupported provider type %q", p.Type)
}

// StatusPoster builds the commit status poster. The API token is read
// from the environment variable named by status.token_env.
func (c *Config) StatusPoster(logger hclog.Logger) (*status.Poster, error) {
	st := c.Status
	token := os.Getenv(st.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("config: status reporting needs a token in $%s", st.TokenEnv)
	}
	poster, err := status.New(status.Options{
		APIURL:     st.APIURL,
		Repository: st.Repository,
		Context:    st.Context,
		Token:      token,
		MaxRetries: *st.MaxRetries,
		Timeout:    st.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return poster, nil
}
