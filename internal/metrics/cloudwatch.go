// Package metrics emits pipeline counters and latency measurements to
// CloudWatch. Emission is best-effort: a metrics outage is logged and
// never propagates into the delivery path.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"numota/internal/config"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// NewCloudWatchClient builds a CloudWatch client from the process AWS
// configuration.
func NewCloudWatchClient(ctx context.Context, cfg config.AWSConfig) (*cloudwatch.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, err
	}
	return cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	}), nil
}

// Recorder publishes gateway metrics under one namespace.
type Recorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

func NewRecorder(client CloudWatchClient, cfg config.AWSConfig, logger *slog.Logger) *Recorder {
	return &Recorder{
		client:    client,
		namespace: cfg.MetricNamespace,
		logger:    logger,
	}
}

// Count emits a unitless counter value.
func (r *Recorder) Count(ctx context.Context, name string, value float64) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// Outcome emits a DeliveryAttempt counter with a Result dimension so
// success and failure rates can be graphed side by side.
func (r *Recorder) Outcome(ctx context.Context, result string) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("DeliveryAttempt"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Result"), Value: aws.String(result)},
		},
	})
}

// Latency emits a millisecond timing value.
func (r *Recorder) Latency(ctx context.Context, name string, d time.Duration) {
	r.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (r *Recorder) put(ctx context.Context, datum cwtypes.MetricDatum) {
	_, err := r.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to emit metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}
