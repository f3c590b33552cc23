package awsprovider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/hashicorp/go-hclog"

	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/resource"
)

const originIDPrefix = "origin-"

// distributionDriver manages CloudFront distributions.
type distributionDriver struct {
	client     CloudFrontClient
	waitDeploy time.Duration
	logger     hclog.Logger
}

func newDistributionDriver(client CloudFrontClient, waitDeploy time.Duration, logger hclog.Logger) *distributionDriver {
	return &distributionDriver{client: client, waitDeploy: waitDeploy, logger: logger.Named("cdn-distribution")}
}

func (d *distributionDriver) Kind() resource.Kind { return resource.KindDistribution }

func (d *distributionDriver) Create(ctx context.Context, spec resource.Spec, refs provider.Refs) (resource.Handle, error) {
	if spec.Distribution == nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpCreate, Kind: d.Kind(), Reason: "spec has no distribution configuration"}
	}
	origin, err := refs.Lookup(spec.Distribution.OriginRef)
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpCreate, Kind: d.Kind(), Err: err}
	}

	cfg := &cftypes.DistributionConfig{
		// The caller reference makes a retried create of the same
		// environment against the same bucket idempotent.
		CallerReference: aws.String(spec.Key + "/" + origin.Name),
	}
	applyDistributionConfig(cfg, spec, origin)

	out, err := d.client.CreateDistributionWithTags(ctx, &cloudfront.CreateDistributionWithTagsInput{
		DistributionConfigWithTags: &cftypes.DistributionConfigWithTags{
			DistributionConfig: cfg,
			Tags:               cloudfrontTags(spec.Tags),
		},
	})
	if err != nil {
		return resource.Handle{}, classify(provider.OpCreate, d.Kind(), fmt.Errorf("cloudfront: create distribution %q: %w", spec.Name, err))
	}
	d.logger.Debug("created distribution", "id", aws.ToString(out.Distribution.Id), "origin", origin.Name)
	return d.handle(spec, out.Distribution, origin), nil
}

func (d *distributionDriver) handle(spec resource.Spec, dist *cftypes.Distribution, origin resource.Handle) resource.Handle {
	return resource.Handle{
		Kind:   d.Kind(),
		ID:     aws.ToString(dist.Id),
		Name:   spec.Name,
		ARN:    aws.ToString(dist.ARN),
		Domain: aws.ToString(dist.DomainName),
		Attributes: map[string]string{
			attrOriginID:     originIDPrefix + origin.Name,
			attrOriginDomain: origin.Domain,
		},
	}
}

// applyDistributionConfig writes the spec onto cfg. Fields the spec does
// not model are left as they are, including the origin access control
// attached by the access-control driver.
func applyDistributionConfig(cfg *cftypes.DistributionConfig, spec resource.Spec, origin resource.Handle) {
	dc := spec.Distribution
	originID := originIDPrefix + origin.Name

	var oacID *string
	if cfg.Origins != nil {
		for _, o := range cfg.Origins.Items {
			if aws.ToString(o.Id) == originID {
				oacID = o.OriginAccessControlId
			}
		}
	}
	if oacID == nil {
		oacID = aws.String("")
	}

	cfg.Comment = aws.String(dc.Comment)
	cfg.Enabled = aws.Bool(true)
	cfg.DefaultRootObject = aws.String(dc.DefaultRootObject)
	cfg.HttpVersion = cftypes.HttpVersion("http2")
	cfg.IsIPV6Enabled = aws.Bool(true)
	if dc.PriceClass != "" {
		cfg.PriceClass = cftypes.PriceClass(dc.PriceClass)
	}
	cfg.Origins = &cftypes.Origins{
		Quantity: aws.Int32(1),
		Items: []cftypes.Origin{{
			Id:                    aws.String(originID),
			DomainName:            aws.String(origin.Domain),
			OriginAccessControlId: oacID,
			S3OriginConfig:        &cftypes.S3OriginConfig{OriginAccessIdentity: aws.String("")},
		}},
	}

	behavior := &cftypes.DefaultCacheBehavior{
		TargetOriginId:       aws.String(originID),
		ViewerProtocolPolicy: cftypes.ViewerProtocolPolicy("redirect-to-https"),
		Compress:             aws.Bool(true),
		MinTTL:               aws.Int64(dc.MinTTL),
		DefaultTTL:           aws.Int64(dc.DefaultTTL),
		MaxTTL:               aws.Int64(dc.MaxTTL),
		ForwardedValues: &cftypes.ForwardedValues{
			QueryString: aws.Bool(false),
			Cookies:     &cftypes.CookiePreference{Forward: cftypes.ItemSelection("none")},
		},
		FunctionAssociations: &cftypes.FunctionAssociations{Quantity: aws.Int32(0)},
	}
	if dc.RoutingFunctionARN != "" {
		behavior.FunctionAssociations = &cftypes.FunctionAssociations{
			Quantity: aws.Int32(1),
			Items: []cftypes.FunctionAssociation{{
				EventType:   cftypes.EventType("viewer-request"),
				FunctionARN: aws.String(dc.RoutingFunctionARN),
			}},
		}
	}
	cfg.DefaultCacheBehavior = behavior

	geo := &cftypes.GeoRestriction{
		RestrictionType: cftypes.GeoRestrictionType("none"),
		Quantity:        aws.Int32(0),
	}
	if n := len(dc.GeoRestriction.Allow); n > 0 {
		geo = &cftypes.GeoRestriction{
			RestrictionType: cftypes.GeoRestrictionType("whitelist"),
			Quantity:        aws.Int32(int32(n)),
			Items:           append([]string(nil), dc.GeoRestriction.Allow...),
		}
	}
	cfg.Restrictions = &cftypes.Restrictions{GeoRestriction: geo}
}

func cloudfrontTags(tags map[string]string) *cftypes.Tags {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]cftypes.Tag, 0, len(keys))
	for _, k := range keys {
		items = append(items, cftypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return &cftypes.Tags{Items: items}
}

func (d *distributionDriver) Read(ctx context.Context, h resource.Handle) (resource.Spec, error) {
	out, err := d.client.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(h.ID)})
	if err != nil {
		return resource.Spec{}, classify(provider.OpRead, d.Kind(), fmt.Errorf("cloudfront: get distribution %s: %w", h.ID, err))
	}
	cfg := out.Distribution.DistributionConfig
	dc := &resource.DistributionConfig{
		DefaultRootObject: aws.ToString(cfg.DefaultRootObject),
		PriceClass:        string(cfg.PriceClass),
		Comment:           aws.ToString(cfg.Comment),
	}
	if b := cfg.DefaultCacheBehavior; b != nil {
		dc.MinTTL = aws.ToInt64(b.MinTTL)
		dc.DefaultTTL = aws.ToInt64(b.DefaultTTL)
		dc.MaxTTL = aws.ToInt64(b.MaxTTL)
		if b.FunctionAssociations != nil {
			for _, fa := range b.FunctionAssociations.Items {
				dc.RoutingFunctionARN = aws.ToString(fa.FunctionARN)
			}
		}
	}
	if cfg.Restrictions != nil && cfg.Restrictions.GeoRestriction != nil {
		dc.GeoRestriction.Allow = cfg.Restrictions.GeoRestriction.Items
	}
	return resource.Spec{Kind: d.Kind(), Name: h.Name, Distribution: dc}, nil
}

func (d *distributionDriver) Update(ctx context.Context, h resource.Handle, spec resource.Spec, refs provider.Refs) (resource.Handle, error) {
	if spec.Distribution == nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpUpdate, Kind: d.Kind(), Reason: "spec has no distribution configuration"}
	}
	origin, err := refs.Lookup(spec.Distribution.OriginRef)
	if err != nil {
		return resource.Handle{}, &provider.RejectedError{Op: provider.OpUpdate, Kind: d.Kind(), Err: err}
	}

	cur, err := d.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(h.ID)})
	if err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), fmt.Errorf("cloudfront: get distribution config %s: %w", h.ID, err))
	}
	cfg := cur.DistributionConfig
	applyDistributionConfig(cfg, spec, origin)

	out, err := d.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(h.ID),
		IfMatch:            cur.ETag,
		DistributionConfig: cfg,
	})
	if err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), fmt.Errorf("cloudfront: update distribution %s: %w", h.ID, err))
	}
	if _, err := d.client.TagResource(ctx, &cloudfront.TagResourceInput{
		Resource: out.Distribution.ARN,
		Tags:     cloudfrontTags(spec.Tags),
	}); err != nil {
		return resource.Handle{}, classify(provider.OpUpdate, d.Kind(), fmt.Errorf("cloudfront: tag distribution %s: %w", h.ID, err))
	}
	return d.handle(spec, out.Distribution, origin), nil
}

// Delete disables the distribution, waits for the change to deploy and
// then deletes it. CloudFront refuses to delete enabled distributions.
func (d *distributionDriver) Delete(ctx context.Context, h resource.Handle) error {
	err := d.delete(ctx, h.ID)
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *distributionDriver) delete(ctx context.Context, id string) error {
	cur, err := d.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
	if err != nil {
		return classify(provider.OpDelete, d.Kind(), fmt.Errorf("cloudfront: get distribution config %s: %w", id, err))
	}
	etag := cur.ETag
	if aws.ToBool(cur.DistributionConfig.Enabled) {
		cfg := cur.DistributionConfig
		cfg.Enabled = aws.Bool(false)
		out, err := d.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
			Id:                 aws.String(id),
			IfMatch:            etag,
			DistributionConfig: cfg,
		})
		if err != nil {
			return classify(provider.OpDelete, d.Kind(), fmt.Errorf("cloudfront: disable distribution %s: %w", id, err))
		}
		etag = out.ETag
		d.logger.Debug("disabled distribution", "id", id)
	}

	waiter := cloudfront.NewDistributionDeployedWaiter(d.client)
	if err := waiter.Wait(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)}, d.waitDeploy); err != nil {
		return &provider.UnavailableError{Op: provider.OpDelete, Kind: d.Kind(), Err: fmt.Errorf("cloudfront: wait for distribution %s: %w", id, err)}
	}

	_, err = d.client.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{Id: aws.String(id), IfMatch: etag})
	if err != nil {
		return classify(provider.OpDelete, d.Kind(), fmt.Errorf("cloudfront: delete distribution %s: %w", id, err))
	}
	d.logger.Debug("deleted distribution", "id", id)
	return nil
}
