package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/blob"
	"github.com/docspreview/previewctl/internal/envid"
	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/resource"
	"github.com/docspreview/previewctl/internal/site"
)

// Handle attribute names written by the drivers.
const (
	attrRegion       = "region"
	attrContentHash  = "content_hash"
	attrForceDestroy = "force_destroy"
	attrOriginID     = "origin_id"
	attrOriginDomain = "origin_domain"
	attrDistribution = "distribution_id"
	attrBucket       = "bucket"
)

// bucketDriver manages the S3 bucket backing an environment's origin store.
type bucketDriver struct {
	client S3Client
	region string
	syncer *site.Syncer
	logger hclog.Logger
}

func newBucketDriver(client S3Client, region string, syncer *site.Syncer, logger hclog.Logger) *bucketDriver {
	return &bucketDriver{client: client, region: region, syncer: syncer, logger: logger.Named("origin-store")}
}

func (d *bucketDriver) Kind() resource.Kind { return resource.KindOriginStore }

func (d *bucketDriver) regionFor(spec resource.Spec) string {
	if spec.Origin != nil && spec.Origin.Region != "" {
		return spec.Origin.Region
	}
	return d.region
}

func (d *bucketDriver) Create(ctx context.Context, spec resource.Spec, _ provider.Refs) (resource.Handle, error) {
	if spec.Origin == nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpCreate, Kind: d.Kind(), Reason: "spec has no origin configuration"}
	}
	id, err := envid.FromKey(envKeyOf(spec.Key))
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpCreate, Kind: d.Kind(), Err: err}
	}
	region := d.regionFor(spec)
	name := spec.Name
	if name == "" {
		name = envid.NewName(spec.NamePrefix, id)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if err := d.createBucket(ctx, in, envid.OwnsName(name, spec.NamePrefix, id)); err != nil {
		return resource.Handle{}, err
	}
	d.logger.Debug("created bucket", "bucket", name, "region", region)

	h := d.handle(name, region, spec.Origin)
	if err := d.configure(ctx, name, spec); err != nil {
		// The bucket name is random; leaving it behind would orphan it.
		if cerr := d.remove(context.WithoutCancel(ctx), name, true); cerr != nil {
			d.logger.Warn("cleanup of partially created bucket failed", "bucket", name, "error", cerr)
		}
		return resource.Handle{}, classify(provider.OpCreate, d.Kind(), err)
	}
	return h, nil
}

// createBucket creates the bucket named by in. When the outcome of the
// call is unknown the bucket is looked up under the same name: one this
// environment owns is adopted, so a lost response never leaves a bucket
// nothing has recorded.
func (d *bucketDriver) createBucket(ctx context.Context, in *s3.CreateBucketInput, owned bool) error {
	name := aws.ToString(in.Bucket)
	_, err := d.client.CreateBucket(ctx, in)
	if err == nil {
		return nil
	}
	cerr := classify(provider.OpCreate, d.Kind(), fmt.Errorf("s3: create bucket %q: %w", name, err))

	if apiErrorCode(err) == "BucketAlreadyOwnedByYou" {
		if !owned {
			return cerr
		}
		d.logger.Info("adopting existing bucket", "bucket", name)
		return nil
	}
	if !provider.IsUnavailable(cerr) {
		return cerr
	}

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	_, herr := d.client.HeadBucket(lctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	herr = classify(provider.OpRead, d.Kind(), herr)
	switch {
	case herr == nil && owned:
		d.logger.Info("adopting bucket after failed create", "bucket", name, "error", err)
		return nil
	case herr == nil, provider.IsNotFound(herr), provider.IsRejected(herr):
		return cerr
	}
	if derr := d.remove(lctx, name, false); derr != nil {
		d.logger.Warn("bucket may have been created and could not be removed", "bucket", name, "error", derr)
	}
	return cerr
}

func (d *bucketDriver) configure(ctx context.Context, name string, spec resource.Spec) error {
	_, err := d.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(name),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("s3: block public access on %q: %w", name, err)
	}
	if err := d.putTags(ctx, name, spec.Tags); err != nil {
		return err
	}
	return d.syncContent(ctx, provider.OpCreate, name, spec)
}

func (d *bucketDriver) putTags(ctx context.Context, name string, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	set := make([]s3types.Tag, 0, len(keys))
	for _, k := range keys {
		set = append(set, s3types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	_, err := d.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
		Bucket:  aws.String(name),
		Tagging: &s3types.Tagging{TagSet: set},
	})
	if err != nil {
		return fmt.Errorf("s3: tag bucket %q: %w", name, err)
	}
	return nil
}

// syncContent uploads the spec's build artifact. The artifact is rescanned
// and must still hash to the value the spec was built from.
func (d *bucketDriver) syncContent(ctx context.Context, op provider.Op, name string, spec resource.Spec) error {
	cfg := spec.Origin
	if cfg.ContentDir == "" {
		return nil
	}
	if d.syncer == nil {
		return &provider.RejectedError{Op: op, Kind: d.Kind(), Reason: "content sync is not configured"}
	}
	bundle, err := site.Scan(cfg.ContentDir, cfg.Excludes)
	if err != nil {
		return &provider.RejectedError{Op: op, Kind: d.Kind(), Reason: "scan content", Err: err}
	}
	if cfg.ContentHash != "" && bundle.Hash != cfg.ContentHash {
		return &provider.RejectedError{
			Op:     op,
			Kind:   d.Kind(),
			Reason: fmt.Sprintf("content in %s changed: have %s, want %s", cfg.ContentDir, bundle.Hash, cfg.ContentHash),
		}
	}
	res, err := d.syncer.Sync(ctx, blob.NewS3Store(d.client, name, "", name), envKeyOf(spec.Key), bundle)
	if err != nil {
		return err
	}
	d.logger.Info("synced content", "bucket", name, "bundle_hash", res.BundleHash,
		"uploaded", len(res.Uploaded), "unchanged", res.Unchanged, "deleted", len(res.Deleted))
	return nil
}

func (d *bucketDriver) handle(name, region string, cfg *resource.OriginConfig) resource.Handle {
	return resource.Handle{
		Kind:   d.Kind(),
		ID:     name,
		Name:   name,
		ARN:    "arn:aws:s3:::" + name,
		Domain: regionalDomain(name, region),
		Attributes: map[string]string{
			attrRegion:       region,
			attrContentHash:  cfg.ContentHash,
			attrForceDestroy: strconv.FormatBool(cfg.ForceDestroy),
		},
	}
}

func regionalDomain(bucket, region string) string {
	if region == "" {
		return bucket + ".s3.amazonaws.com"
	}
	return bucket + ".s3." + region + ".amazonaws.com"
}

func (d *bucketDriver) Read(ctx context.Context, h resource.Handle) (resource.Spec, error) {
	name := h.Name
	if _, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)}); err != nil {
		return resource.Spec{}, classify(provider.OpRead, d.Kind(), fmt.Errorf("s3: head bucket %q: %w", name, err))
	}

	tags := map[string]string{}
	out, err := d.client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: aws.String(name)})
	if err := ignoreNotFound(classify(provider.OpRead, d.Kind(), err)); err != nil {
		return resource.Spec{}, err
	}
	if out != nil {
		for _, t := range out.TagSet {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}

	cfg := &resource.OriginConfig{
		Region:       h.Attributes[attrRegion],
		ForceDestroy: h.Attributes[attrForceDestroy] == "true",
	}
	m, err := site.ReadManifest(ctx, blob.NewS3Store(d.client, name, "", name))
	switch {
	case err == nil:
		cfg.ContentHash = m.BundleHash
	case !errors.Is(err, blob.ErrNotFound):
		return resource.Spec{}, classify(provider.OpRead, d.Kind(), err)
	}

	return resource.Spec{Kind: d.Kind(), Name: name, Tags: tags, Origin: cfg}, nil
}

func (d *bucketDriver) Update(ctx context.Context, h resource.Handle, spec resource.Spec, _ provider.Refs) (resource.Handle, error) {
	if spec.Origin == nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpUpdate, Kind: d.Kind(), Reason: "spec has no origin configuration"}
	}
	region := h.Attributes[attrRegion]
	if want := d.regionFor(spec); want != region {
		return resource.Handle{}, &provider.RejectedError{
			Op: provider.OpUpdate, Kind: d.Kind(),
			Reason: fmt.Sprintf("bucket %s cannot move from region %q to %q", h.Name, region, want),
		}
	}
	if err := d.putTags(ctx, h.Name, spec.Tags); err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), err)
	}
	if err := d.syncContent(ctx, provider.OpUpdate, h.Name, spec); err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), err)
	}
	return d.handle(h.Name, region, spec.Origin), nil
}

func (d *bucketDriver) Delete(ctx context.Context, h resource.Handle) error {
	return classify(provider.OpDelete, d.Kind(), d.remove(ctx, h.Name, h.Attributes[attrForceDestroy] == "true"))
}

func (d *bucketDriver) remove(ctx context.Context, name string, empty bool) error {
	if empty && d.syncer != nil {
		n, err := d.syncer.Empty(ctx, blob.NewS3Store(d.client, name, "", name))
		if err != nil && !isNoSuchBucket(err) {
			return fmt.Errorf("s3: empty bucket %q: %w", name, err)
		}
		d.logger.Debug("emptied bucket", "bucket", name, "objects", n)
	}
	_, err := d.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	if err != nil {
		if isNoSuchBucket(err) {
			return nil
		}
		return fmt.Errorf("s3: delete bucket %q: %w", name, err)
	}
	d.logger.Debug("deleted bucket", "bucket", name)
	return nil
}

func isNoSuchBucket(err error) bool {
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	return provider.IsNotFound(classify(provider.OpDelete, resource.KindOriginStore, err))
}
