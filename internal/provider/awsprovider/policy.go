package awsprovider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/resource"
)

// policyDriver manages the bucket policy granting the distribution read
// access. A bucket holds exactly one policy, so the handle ID is the
// bucket name.
type policyDriver struct {
	client S3Client
	logger hclog.Logger
}

func newPolicyDriver(client S3Client, logger hclog.Logger) *policyDriver {
	return &policyDriver{client: client, logger: logger.Named("access-policy")}
}

func (d *policyDriver) Kind() resource.Kind { return resource.KindAccessPolicy }

func (d *policyDriver) put(ctx context.Context, op provider.Op, spec resource.Spec, refs provider.Refs) (resource.Handle, error) {
	if spec.Policy == nil {
		return resource.Handle{}, &provider.RejectedError{Op: op, Kind: d.Kind(), Reason: "spec has no policy configuration"}
	}
	origin, err := refs.Lookup(spec.Policy.OriginRef)
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: op, Kind: d.Kind(), Err: err}
	}
	dist, err := refs.Lookup(spec.Policy.DistributionRef)
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: op, Kind: d.Kind(), Err: err}
	}
	doc, err := resource.RenderPolicy(*spec.Policy, origin, dist)
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: op, Kind: d.Kind(), Err: err}
	}
	body, err := doc.JSON()
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: op, Kind: d.Kind(), Err: err}
	}

	_, err = d.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(origin.Name),
		Policy: aws.String(body),
	})
	if err != nil {
		return resource.Handle{}, classify(op, d.Kind(), fmt.Errorf("s3: put bucket policy on %q: %w", origin.Name, err))
	}
	d.logger.Debug("put bucket policy", "bucket", origin.Name, "distribution", dist.ARN)

	return resource.Handle{
		Kind:       d.Kind(),
		ID:         origin.Name,
		Name:       spec.Name,
		Attributes: map[string]string{attrBucket: origin.Name, attrDistribution: dist.ID},
	}, nil
}

func (d *policyDriver) Create(ctx context.Context, spec resource.Spec, refs provider.Refs) (resource.Handle, error) {
	return d.put(ctx, provider.OpCreate, spec, refs)
}

func (d *policyDriver) Update(ctx context.Context, _ resource.Handle, spec resource.Spec, refs provider.Refs) (resource.Handle, error) {
	return d.put(ctx, provider.OpUpdate, spec, refs)
}

func (d *policyDriver) Read(ctx context.Context, h resource.Handle) (resource.Spec, error) {
	bucket := h.Attributes[attrBucket]
	out, err := d.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	if err != nil {
		return resource.Spec{}, classify(provider.OpRead, d.Kind(), fmt.Errorf("s3: get bucket policy on %q: %w", bucket, err))
	}
	doc, err := resource.ParsePolicy(aws.ToString(out.Policy))
	if err != nil {
		return resource.Spec{}, &provider.RejectedError{Op: provider.OpRead, Kind: d.Kind(), Err: err}
	}
	cfg := &resource.PolicyConfig{}
	for _, st := range doc.Statement {
		cfg.Actions = append(cfg.Actions, st.Action...)
	}
	return resource.Spec{Kind: d.Kind(), Name: h.Name, Policy: cfg}, nil
}

func (d *policyDriver) Delete(ctx context.Context, h resource.Handle) error {
	bucket := h.Attributes[attrBucket]
	_, err := d.client.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: aws.String(bucket)})
	return ignoreNotFound(classify(provider.OpDelete, d.Kind(), err))
}
