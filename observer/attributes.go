package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for execution observability spans and metrics.
var (
	AttrSessionID  = attribute.Key("session.id")
	AttrCodeLength = attribute.Key("execution.code_length")

	AttrStatus        = attribute.Key("execution.status")
	AttrOutputLength  = attribute.Key("execution.output_length")
	AttrSteps         = attribute.Key("execution.steps")
	AttrArtifactCount = attribute.Key("execution.artifact_count")
)
