package domain

import "errors"

// ErrInvalidRequest indicates that an evaluation request contains invalid data.
var ErrInvalidRequest = errors.New("invalid evaluation request")

// ErrNoConversation indicates that no conversation was loaded before starting.
var ErrNoConversation = errors.New("no conversation loaded")

// ErrNoMetricsSelected indicates that no phase has any runnable metric.
var ErrNoMetricsSelected = errors.New("no metrics selected")

// ErrInvalidScore indicates that a metric score or payload is malformed.
var ErrInvalidScore = errors.New("invalid score")

// ErrDuplicateMetric indicates a metric name used twice where names must be unique.
var ErrDuplicateMetric = errors.New("duplicate metric")
