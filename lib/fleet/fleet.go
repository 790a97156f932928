// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fleet finds the running members of a load balancer.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
	"github.com/aws/smithy-go"
	"github.com/opcreset/opcreset/lib/config"
	"github.com/sirupsen/logrus"
)

// StateRunning is the EC2 instance state code for "running".
const StateRunning = 16

// ErrNotConfigured is returned by Discover when the region or load
// balancer name is missing.
var ErrNotConfigured = errors.New("region and load balancer must be configured")

// LoadBalancerAPI is the subset of the ELB client used here.
type LoadBalancerAPI interface {
	DescribeLoadBalancers(context.Context, *elb.DescribeLoadBalancersInput, ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error)
}

// ComputeAPI is the subset of the EC2 client used here.
type ComputeAPI interface {
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Target is a running load balancer member.
type Target struct {
	InstanceID string
	Address    string
	// Position-derived stagger multiplier. By default this is the
	// instance's position in the API response, counting every
	// instance of every reservation (see LegacyIndex). Positions
	// of skipped (non-running) instances are not reused, so there
	// may be gaps.
	DispatchIndex int
}

// Discoverer queries the cloud control plane for the current members
// of one load balancer. Nothing is cached between calls.
type Discoverer struct {
	Region       string
	LoadBalancer string
	// Timeout for each API call. Zero means no timeout.
	Timeout time.Duration
	// Use reservation index + index within reservation as the
	// dispatch index, instead of the flat position. Instances in
	// different reservations can then share an index.
	LegacyIndex bool

	LoadBalancers LoadBalancerAPI
	Compute       ComputeAPI
	Logger        logrus.FieldLogger

	throttle throttle
}

// New returns a Discoverer using AWS API clients built from cfg. If
// cfg does not name a region and load balancer, the returned
// Discoverer has no clients and Discover always returns
// ErrNotConfigured.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Discoverer, error) {
	d := &Discoverer{
		Region:       cfg.Region,
		LoadBalancer: cfg.LoadBalancer,
		Timeout:      cfg.Timeouts.Discovery.Duration(),
		LegacyIndex:  cfg.LegacyDispatchIndex,
		Logger:       logger,
	}
	if !cfg.Valid() {
		return d, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AWS.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, "")))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	endpoint := cfg.AWS.Endpoint
	d.LoadBalancers = elb.NewFromConfig(awsConfig, func(o *elb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	d.Compute = ec2.NewFromConfig(awsConfig, func(o *ec2.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return d, nil
}

// Discover returns the running members of the load balancer.
//
// A missing load balancer, or one with no members, is not an error:
// Discover returns an empty slice and a nil error. API failures are
// returned as errors.
func (d *Discoverer) Discover(ctx context.Context) ([]Target, error) {
	logger := d.Logger.WithFields(logrus.Fields{
		"Region":       d.Region,
		"LoadBalancer": d.LoadBalancer,
	})
	if d.Region == "" || d.LoadBalancer == "" || d.LoadBalancers == nil || d.Compute == nil {
		logger.Debug("fleet discovery is not configured")
		return nil, ErrNotConfigured
	}
	if err := d.throttle.Error(); err != nil {
		return nil, err
	}

	ids, err := d.memberIDs(ctx)
	if err != nil {
		d.throttle.CheckRateLimitError(err, logger, "DescribeLoadBalancers")
		return nil, fmt.Errorf("describe load balancer %q: %w", d.LoadBalancer, err)
	}
	if len(ids) == 0 {
		logger.Info("load balancer has no member instances")
		return []Target{}, nil
	}

	targets, err := d.runningTargets(ctx, ids, logger)
	if err != nil {
		d.throttle.CheckRateLimitError(err, logger, "DescribeInstances")
		return nil, fmt.Errorf("describe instances: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"Members": len(ids),
		"Running": len(targets),
	}).Debug("discovered fleet")
	return targets, nil
}

func (d *Discoverer) memberIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	out, err := d.LoadBalancers.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{
		LoadBalancerNames: []string{d.LoadBalancer},
	})
	if isNotFound(err) {
		d.Logger.WithField("LoadBalancer", d.LoadBalancer).Info("load balancer not found")
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var ids []string
	// Only one name was requested, but accept whatever comes back.
	for _, lb := range out.LoadBalancerDescriptions {
		for _, inst := range lb.Instances {
			if inst.InstanceId != nil && *inst.InstanceId != "" {
				ids = append(ids, *inst.InstanceId)
			}
		}
	}
	return ids, nil
}

// runningTargets looks up all of the given instances in one batched
// request (following NextToken if the API paginates the answer) and
// returns the running ones.
func (d *Discoverer) runningTargets(ctx context.Context, ids []string, logger logrus.FieldLogger) ([]Target, error) {
	targets := []Target{}
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	rsvIndex, pos := 0, 0
	for {
		out, err := d.describeInstances(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, rsv := range out.Reservations {
			for instIndex, inst := range rsv.Instances {
				index := pos
				if d.LegacyIndex {
					index = rsvIndex + instIndex
				}
				pos++
				id := aws.ToString(inst.InstanceId)
				if inst.State == nil || inst.State.Code == nil || *inst.State.Code&0xff != StateRunning {
					// The high byte of the state
					// code is reserved for internal
					// use and must be ignored.
					continue
				}
				addr := aws.ToString(inst.PrivateIpAddress)
				if addr == "" {
					logger.WithField("InstanceID", id).Warn("running instance has no private address, skipping")
					continue
				}
				targets = append(targets, Target{
					InstanceID:    id,
					Address:       addr,
					DispatchIndex: index,
				})
			}
			rsvIndex++
		}
		if out.NextToken == nil || *out.NextToken == "" {
			return targets, nil
		}
		input.NextToken = out.NextToken
	}
}

func (d *Discoverer) describeInstances(ctx context.Context, input *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return d.Compute.DescribeInstances(ctx, input)
}

func (d *Discoverer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout > 0 {
		return context.WithTimeout(ctx, d.Timeout)
	}
	return context.WithCancel(ctx)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *elbtypes.AccessPointNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "LoadBalancerNotFound"
}
