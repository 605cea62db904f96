package domain

import "time"

// SingletonPolicy controls how the Dispatcher computes a lease key for a
// job's fires.
type SingletonPolicy string

const (
	SingletonNone              SingletonPolicy = "none"
	SingletonPerJob            SingletonPolicy = "per_job"
	SingletonPerJobAndInputHash SingletonPolicy = "per_job_and_input_hash"
)

// ParamKind is the semantic type of an input parameter. Binding
// (worker.BindInputs) checks only that Required parameters are present; it
// does not validate or coerce values by Kind and does not apply Default.
type ParamKind string

const (
	ParamString  ParamKind = "string"
	ParamInteger ParamKind = "integer"
	ParamBoolean ParamKind = "boolean"
	ParamDate    ParamKind = "date"
	ParamEnum    ParamKind = "enum"
)

// Param is one entry in a Job Definition's input_schema.
type Param struct {
	Name     string
	Kind     ParamKind
	Required bool
	Default  any
	// EnumValues is only consulted when Kind == ParamEnum.
	EnumValues []string
}

// RetryPolicy governs whether and how a failed attempt is retried.
type RetryPolicy struct {
	MaxAttempts         int
	InitialBackoff      time.Duration
	BackoffMultiplier   float64
	MaxBackoff          time.Duration
	RetryableErrorKinds []ErrorKind
}

// Retryable reports whether kind is in the policy's retryable set. An empty
// RetryableErrorKinds set is treated as "every kind except the inherently
// non-retryable ones" per ErrorKind.Retryable.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	if !kind.Retryable() {
		return false
	}
	if len(p.RetryableErrorKinds) == 0 {
		return true
	}
	for _, k := range p.RetryableErrorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// JobDefinition is the Job Registry's authoritative description of one job.
// Definitions are immutable after registration unless the whole catalog is
// reloaded; handlers obtained from JobDefinition.Handler must be idempotent
// across retries.
type JobDefinition struct {
	Name            string
	Description     string
	Schedule        Schedule
	InputSchema     []Param
	SingletonPolicy SingletonPolicy
	MaxConcurrent   int
	Timeout         time.Duration
	RetryPolicy     RetryPolicy
	Priority        int
	AlertChannels   []string
	Handler         Handler
}

// Validate enforces the registration-time invariants spec.md §4.1 names:
// ill-formed schedule, non-positive timeout, inconsistent retry policy, or
// duplicate parameter names are all rejected as InvalidDefinition.
func (d *JobDefinition) Validate() error {
	if d.Name == "" {
		return ErrInvalidDefinitionf("name must not be empty")
	}
	if d.Timeout <= 0 {
		return ErrInvalidDefinitionf("timeout must be positive for job %q", d.Name)
	}
	if d.RetryPolicy.MaxAttempts < 1 {
		return ErrInvalidDefinitionf("retry_policy.max_attempts must be >= 1 for job %q", d.Name)
	}
	if d.RetryPolicy.BackoffMultiplier < 1 {
		return ErrInvalidDefinitionf("retry_policy.backoff_multiplier must be >= 1 for job %q", d.Name)
	}
	seen := make(map[string]struct{}, len(d.InputSchema))
	for _, p := range d.InputSchema {
		if p.Name == "" {
			return ErrInvalidDefinitionf("input_schema parameter with empty name in job %q", d.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return ErrInvalidDefinitionf("duplicate input_schema parameter %q in job %q", p.Name, d.Name)
		}
		seen[p.Name] = struct{}{}
	}
	switch d.Schedule.Kind {
	case ScheduleCron:
		if d.Schedule.CronExpr == "" {
			return ErrInvalidDefinitionf("cron schedule requires cron_expr for job %q", d.Name)
		}
	case ScheduleInterval:
		if d.Schedule.Every < time.Second {
			return ErrInvalidDefinitionf("interval schedule requires every >= 1s for job %q", d.Name)
		}
	case ScheduleOneShot:
		if d.Schedule.FireAt.IsZero() {
			return ErrInvalidDefinitionf("one_shot schedule requires fire_at for job %q", d.Name)
		}
	case ScheduleManual, ScheduleEventDriven:
		// no fire-time fields required
	default:
		return ErrInvalidDefinitionf("unknown schedule kind %q for job %q", d.Schedule.Kind, d.Name)
	}
	if d.MaxConcurrent < 1 && d.SingletonPolicy == SingletonNone {
		return ErrInvalidDefinitionf("max_concurrent must be >= 1 for job %q", d.Name)
	}
	return nil
}

// Handler is the host-supplied callable bound to a JobDefinition. It is
// invoked on exactly one execution slot per attempt.
type Handler interface {
	Run(ctx HandlerContext) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx HandlerContext) error

func (f HandlerFunc) Run(ctx HandlerContext) error { return f(ctx) }

// HandlerContext is the minimal surface domain depends on so that execctx
// can satisfy it without an import cycle; execctx.Context implements this.
type HandlerContext interface {
	Done() <-chan struct{}
	Deadline() time.Time
	Fail(kind ErrorKind, message string)
	FailWith(kind ErrorKind, err error)
	Metric(name string, value float64)
}
