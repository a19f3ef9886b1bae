package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"assistantconsole/internal/types"
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric names emitted to CloudWatch.
const (
	MetricAPIRequestCount = "APIRequestCount"
	MetricAPILatency      = "APILatency"
	MetricDecision        = "EntitlementDecision"
	MetricActivation      = "PlanActivation"
	MetricPaymentFailure  = "PaymentFailure"
	MetricWebhook         = "GatewayWebhook"
)

// Dimension names.
const (
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
	DimPlan     = "Plan"
	DimAction   = "Action"
	DimResult   = "Result"
	DimSource   = "Source"
	DimEvent    = "Event"
)

const cloudWatchPutTimeout = 2 * time.Second

// CloudWatchCollector emits one PutMetricData call per observation. Failures
// are logged and dropped.
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchCollector creates a collector publishing under namespace.
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchCollector{client: client, namespace: namespace, logger: logger}
}

func dims(kv ...string) []cwtypes.Dimension {
	out := make([]cwtypes.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, cwtypes.Dimension{Name: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return out
}

func (c *CloudWatchCollector) put(data ...cwtypes.MetricDatum) {
	ctx, cancel := context.WithTimeout(context.Background(), cloudWatchPutTimeout)
	defer cancel()

	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	})
	if err != nil {
		c.logger.Error("failed to put metric data",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func count(name string, d []cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: d,
	}
}

func (c *CloudWatchCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	endpointDims := dims(DimEndpoint, method+" "+endpoint)
	c.put(
		count(MetricAPIRequestCount, dims(DimEndpoint, method+" "+endpoint, DimStatus, status)),
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: endpointDims,
		},
	)
}

func (c *CloudWatchCollector) RecordDecision(plan types.PlanID, action types.ActionKind, code types.DenialCode) {
	c.put(count(MetricDecision, dims(DimPlan, string(plan), DimAction, string(action), DimResult, decisionLabel(code))))
}

func (c *CloudWatchCollector) RecordActivation(plan types.PlanID, source types.PaymentSource, outcome string) {
	c.put(count(MetricActivation, dims(DimPlan, string(plan), DimSource, string(source), DimResult, outcome)))
}

func (c *CloudWatchCollector) RecordPaymentFailure(plan types.PlanID, code string) {
	if code == "" {
		code = "unknown"
	}
	c.put(count(MetricPaymentFailure, dims(DimPlan, string(plan), DimResult, code)))
}

func (c *CloudWatchCollector) RecordWebhook(event, outcome string) {
	c.put(count(MetricWebhook, dims(DimEvent, event, DimResult, outcome)))
}

var _ Collector = (*CloudWatchCollector)(nil)
