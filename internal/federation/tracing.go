package federation

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("go.pilab.hu/oauthlink/internal/federation")
