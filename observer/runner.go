package observer

import (
	"context"
	"time"

	"github.com/nevindra/replbox"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedRunner wraps a replbox.Runner with OTEL instrumentation.
type ObservedRunner struct {
	inner replbox.Runner
	inst  *Instruments
}

var _ replbox.Runner = (*ObservedRunner)(nil)

// WrapRunner returns an instrumented runner.
func WrapRunner(inner replbox.Runner, inst *Instruments) *ObservedRunner {
	return &ObservedRunner{inner: inner, inst: inst}
}

func (o *ObservedRunner) Run(ctx context.Context, req replbox.Request) (replbox.Result, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "execution.run", trace.WithAttributes(
		AttrSessionID.String(req.SessionID),
		AttrCodeLength.Int(len(req.Code)),
	))
	defer span.End()
	start := time.Now()

	res, err := o.inner.Run(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if res.Fault != nil {
		status = string(res.Fault.Kind)
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrStatus.String(status),
		AttrOutputLength.Int(len(res.Output)),
		AttrSteps.Int64(int64(res.Steps)),
		AttrArtifactCount.Int(len(res.Artifacts)),
	)

	o.inst.Executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.Steps.Add(ctx, int64(res.Steps))
	if n := len(res.Artifacts); n > 0 {
		o.inst.Artifacts.Add(ctx, int64(n))
	}
	o.inst.ExecutionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.OutputBytes.Record(ctx, int64(len(res.Output)))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("execution finished"))
	rec.AddAttributes(
		otellog.String("session.id", req.SessionID),
		otellog.String("execution.status", status),
		otellog.Int("execution.output_length", len(res.Output)),
		otellog.Float64("execution.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return res, err
}
