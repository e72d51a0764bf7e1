package es

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

const defaultPageSize = 256

type (
	valueOption[T any] struct{ v T }

	repoOptions struct {
		log      *slog.Logger
		metrics  RepoMetrics
		tracer   trace.Tracer
		pageSize int
	}

	RepositoryOption interface{ applyToRepository(*repoOptions) }

	LogOption      valueOption[*slog.Logger]
	MetricsOption  valueOption[RepoMetrics]
	TracerOption   valueOption[trace.Tracer]
	PageSizeOption valueOption[int]
)

func WithLog(l *slog.Logger) LogOption               { return LogOption{v: l} }
func WithMetrics(m RepoMetrics) MetricsOption        { return MetricsOption{v: m} }
func WithTracer(t trace.Tracer) TracerOption         { return TracerOption{v: t} }
func WithStreamPageSize(size int) PageSizeOption     { return PageSizeOption{v: size} }
func (o LogOption) applyToRepository(r *repoOptions) { r.log = o.v }
func (o MetricsOption) applyToRepository(r *repoOptions) {
	r.metrics = o.v
}
func (o TracerOption) applyToRepository(r *repoOptions) { r.tracer = o.v }
func (o PageSizeOption) applyToRepository(r *repoOptions) {
	if o.v > 0 {
		r.pageSize = o.v
	}
}
